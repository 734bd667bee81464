// Package orchestrator owns call sessions: it provisions rooms and call legs,
// launches the bound agent, tracks media bridges, and reacts to call-ended
// and agent-exit signals by running the session state machine's effects.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/voxgate/internal/archive"
	"github.com/soyeahso/voxgate/internal/bridge"
	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/hooks"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/rooms"
	"github.com/soyeahso/voxgate/internal/store"
	"github.com/soyeahso/voxgate/internal/supervisor"
	"github.com/soyeahso/voxgate/internal/telephony"
)

// TelephonyStartedMessage is returned for a successfully originated call.
const TelephonyStartedMessage = "Twilio call initiated."

// SessionLedger persists sessions and their lifecycle events.
type SessionLedger interface {
	Save(ctx context.Context, sess domain.CallSession) error
	Get(ctx context.Context, id string) (domain.CallSession, error)
	List(ctx context.Context, limit int) ([]domain.CallSession, error)
	AppendEvent(ctx context.Context, ev store.SessionEvent) error
}

// ArchiveScheduler accepts archive jobs.
type ArchiveScheduler interface {
	Enqueue(job archive.Job) error
}

var (
	_ SessionLedger    = (*store.SessionStore)(nil)
	_ ArchiveScheduler = (*archive.Worker)(nil)
)

// Request asks for a new call session.
type Request struct {
	BotType    string
	ClientInfo domain.ClientInfo
}

// Result describes a provisioned session. Room sessions fill the room
// fields; telephony sessions fill Message and CallSID.
type Result struct {
	Kind      domain.SessionKind
	SessionID string
	RoomName  string
	RoomURL   string
	Token     string
	Message   string
	CallSID   string
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Rooms      rooms.Provider
	Telephony  telephony.Provider
	Supervisor supervisor.Supervisor
	Ledger     SessionLedger
	Archive    ArchiveScheduler
	Hooks      *hooks.Manager
}

// Orchestrator is the single writer of the session and bridge maps.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  *logging.Logger

	mu       sync.Mutex
	sessions map[string]*domain.CallSession
	bridges  map[string]*bridge.Bridge

	background sync.WaitGroup
	now        func() time.Time
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      log.Sub("orchestrator"),
		sessions: make(map[string]*domain.CallSession),
		bridges:  make(map[string]*bridge.Bridge),
		now:      time.Now,
	}
}

// CreateSession provisions a session for req and launches its agent. It
// returns once the agent process has started. On error nothing created for
// the request is left behind; cleanup failures are only logged.
func (o *Orchestrator) CreateSession(ctx context.Context, req Request) (Result, error) {
	if req.BotType == "" {
		req.BotType = config.DefaultBotType
	}
	profile, ok := o.cfg.Agent.Profile(req.BotType)
	if !ok {
		return Result{}, domain.Validationf("unknown bot type %q", req.BotType)
	}
	// Agents read the client fields at the top level of -c; the bot type
	// reaches them through the environment.
	agentCfg, err := json.Marshal(req.ClientInfo)
	if err != nil {
		return Result{}, domain.Validationf("encoding agent configuration: %v", err)
	}

	if t := o.cfg.Provisioning.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	switch profile.Transport {
	case config.TransportTelephony:
		return o.createTelephony(ctx, req, profile, agentCfg)
	case config.TransportRoom:
		return o.createRoom(ctx, req, profile, agentCfg)
	default:
		return Result{}, domain.Validationf("bot type %q has unknown transport %q", req.BotType, profile.Transport)
	}
}

func (o *Orchestrator) createRoom(ctx context.Context, req Request, profile config.BotProfile, agentCfg json.RawMessage) (Result, error) {
	room, err := o.deps.Rooms.CreateRoom(ctx, rooms.RoomParams{})
	if err != nil {
		return Result{}, o.abort(ctx, nil, provisioningErr(ctx, "rooms.create", "", "create_room", err))
	}

	sess, err := o.register(ctx, domain.CallSession{
		ID:         room.Name,
		Kind:       domain.KindRoom,
		BotType:    req.BotType,
		ClientInfo: req.ClientInfo,
		RoomURL:    room.URL,
	})
	if err != nil {
		return Result{}, o.abort(ctx, nil, err)
	}
	log := o.log.With(sess.ID, "provision")
	cleanupRoom := func() {
		if err := o.deps.Rooms.DeleteRoom(context.WithoutCancel(ctx), room.Name); err != nil {
			log.Warn().Err(err).Msg("compensation: room delete failed")
		}
	}

	botToken, err := o.deps.Rooms.CreateToken(ctx, room.Name, rooms.TokenParams{Owner: true})
	if err != nil {
		cleanupRoom()
		return Result{}, o.abort(ctx, sess, provisioningErr(ctx, "rooms.token", sess.ID, "bot_token", err))
	}

	if _, err := o.deps.Supervisor.Launch(ctx, supervisor.LaunchSpec{
		SessionID: sess.ID,
		BotType:   req.BotType,
		Script:    profile.Script,
		Binding:   domain.Binding{RoomURL: room.URL, Token: botToken},
		Config:    agentCfg,
	}); err != nil {
		cleanupRoom()
		return Result{}, o.abort(ctx, sess, launchErr(sess.ID, err))
	}

	userToken, err := o.deps.Rooms.CreateToken(ctx, room.Name, rooms.TokenParams{})
	if err != nil {
		o.stopAgent(ctx, sess.ID)
		cleanupRoom()
		return Result{}, o.abort(ctx, sess, provisioningErr(ctx, "rooms.token", sess.ID, "user_token", err))
	}

	if err := o.activate(ctx, sess.ID); err != nil {
		o.stopAgent(ctx, sess.ID)
		cleanupRoom()
		return Result{}, o.abort(ctx, sess, err)
	}

	return Result{
		Kind:      domain.KindRoom,
		SessionID: sess.ID,
		RoomName:  room.Name,
		RoomURL:   room.URL,
		Token:     userToken,
	}, nil
}

func (o *Orchestrator) createTelephony(ctx context.Context, req Request, profile config.BotProfile, agentCfg json.RawMessage) (Result, error) {
	if err := req.ClientInfo.ValidatePhone(); err != nil {
		return Result{}, err
	}

	base := strings.TrimRight(o.cfg.Gateway.PublicURL, "/")
	callSID, err := o.deps.Telephony.CreateCall(ctx, telephony.CallParams{
		To:             req.ClientInfo.NormalizedPhone(),
		From:           o.cfg.Telephony.FromNumber,
		URL:            base + "/twiml",
		StatusCallback: base + "/webhooks/telephony/status",
	})
	if err != nil {
		return Result{}, o.abort(ctx, nil, provisioningErr(ctx, "telephony.create_call", "", "create_call", err))
	}

	sess, err := o.register(ctx, domain.CallSession{
		ID:         callSID,
		Kind:       domain.KindTelephony,
		BotType:    req.BotType,
		ClientInfo: req.ClientInfo,
	})
	if err != nil {
		return Result{}, o.abort(ctx, nil, err)
	}
	log := o.log.With(sess.ID, "provision")
	hangup := func() {
		if err := o.deps.Telephony.Hangup(context.WithoutCancel(ctx), callSID); err != nil {
			log.Warn().Err(err).Msg("compensation: hangup failed")
		}
	}

	if _, err := o.deps.Supervisor.Launch(ctx, supervisor.LaunchSpec{
		SessionID: sess.ID,
		BotType:   req.BotType,
		Script:    profile.Script,
		Binding:   domain.Binding{CallSID: callSID},
		Config:    agentCfg,
	}); err != nil {
		hangup()
		return Result{}, o.abort(ctx, sess, launchErr(sess.ID, err))
	}

	if err := o.activate(ctx, sess.ID); err != nil {
		o.stopAgent(ctx, sess.ID)
		hangup()
		return Result{}, o.abort(ctx, sess, err)
	}

	return Result{
		Kind:      domain.KindTelephony,
		SessionID: sess.ID,
		Message:   TelephonyStartedMessage,
		CallSID:   callSID,
	}, nil
}

// register records a new provisioning session. An id that is already live
// belongs to another request and is rejected.
func (o *Orchestrator) register(ctx context.Context, sess domain.CallSession) (*domain.CallSession, error) {
	sess.State = domain.StateProvisioning
	sess.CreatedAt = o.now()

	o.mu.Lock()
	if _, dup := o.sessions[sess.ID]; dup {
		o.mu.Unlock()
		return nil, domain.NewError(domain.KindConflict, "orchestrator.register",
			domain.ErrAlreadyRunning).WithSession(sess.ID, "register")
	}
	cp := sess
	o.sessions[sess.ID] = &cp
	o.mu.Unlock()

	o.persist(ctx, sess, "created", string(sess.Kind))
	return &sess, nil
}

// activate applies the provisioned event. It fails if the session ended
// while it was being provisioned.
func (o *Orchestrator) activate(ctx context.Context, id string) error {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok || sess.State.Terminal() {
		o.mu.Unlock()
		return domain.NewError(domain.KindProvisioning, "orchestrator.activate",
			errors.New("call ended during provisioning")).WithSession(id, "activate")
	}
	next, _, err := domain.Transition(sess.Kind, sess.State, domain.EventProvisioned)
	if err != nil {
		o.mu.Unlock()
		return domain.NewError(domain.KindInternal, "orchestrator.activate", err).WithSession(id, "activate")
	}
	sess.State = next
	snapshot := *sess
	o.mu.Unlock()

	o.persist(ctx, snapshot, string(domain.EventProvisioned), "")
	o.log.With(id, "active").Info().Str("kind", string(snapshot.Kind)).Str("botType", snapshot.BotType).Msg("session active")
	o.emit(ctx, hooks.EventAgentLaunched, id, map[string]any{"botType": snapshot.BotType})
	o.emit(ctx, hooks.EventSessionStart, id, map[string]any{"kind": string(snapshot.Kind), "botType": snapshot.BotType})
	return nil
}

// abort marks a provisioning session failed and returns err. sess is nil
// when the failure happened before the session had an id.
func (o *Orchestrator) abort(ctx context.Context, sess *domain.CallSession, err error) error {
	id := ""
	if sess != nil {
		id = sess.ID
	}
	o.log.With(id, "provision").Error().Err(err).Msg("session provisioning failed")

	if sess != nil {
		o.mu.Lock()
		cur, ok := o.sessions[id]
		var snapshot domain.CallSession
		if ok {
			if !cur.State.Terminal() {
				next, _, _ := domain.Transition(cur.Kind, cur.State, domain.EventProvisionFailed)
				cur.State = next
				now := o.now()
				cur.EndedAt = &now
			}
			cur.Error = err.Error()
			snapshot = *cur
			delete(o.sessions, id)
		}
		o.mu.Unlock()
		if ok {
			o.persist(ctx, snapshot, string(domain.EventProvisionFailed), err.Error())
		}
	}
	o.emit(ctx, hooks.EventSessionFailed, id, map[string]any{"error": err.Error(), "kind": string(domain.KindOf(err))})
	return err
}

// stopAgent terminates an agent launched for a request that is failing.
func (o *Orchestrator) stopAgent(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.terminateTimeout())
	defer cancel()
	if err := o.deps.Supervisor.Terminate(ctx, id); err != nil && !errors.Is(err, domain.ErrAgentNotRunning) {
		o.log.With(id, "provision").Warn().Err(err).Msg("compensation: agent terminate failed")
	}
}

func (o *Orchestrator) terminateTimeout() time.Duration {
	return 3*o.cfg.Agent.StopGrace + 10*time.Second
}

func provisioningErr(ctx context.Context, op, sessionID, stage string, err error) error {
	kind := domain.KindProvisioning
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = domain.KindTimeout
	}
	return domain.NewError(kind, op, err).WithSession(sessionID, stage)
}

func launchErr(sessionID string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.WithSession(sessionID, "launch")
	}
	return domain.NewError(domain.KindLaunch, "supervisor.launch", err).WithSession(sessionID, "launch")
}

func (o *Orchestrator) persist(ctx context.Context, sess domain.CallSession, event, detail string) {
	if o.deps.Ledger == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Ledger.Save(ctx, sess); err != nil {
		o.log.With(sess.ID, "ledger").Warn().Err(err).Msg("failed to persist session")
	}
	if event == "" {
		return
	}
	if err := o.deps.Ledger.AppendEvent(ctx, store.SessionEvent{SessionID: sess.ID, Event: event, Detail: detail, At: o.now()}); err != nil {
		o.log.With(sess.ID, "ledger").Warn().Err(err).Str("event", event).Msg("failed to append session event")
	}
}

func (o *Orchestrator) emit(ctx context.Context, event, sessionID string, data map[string]any) {
	if o.deps.Hooks == nil {
		return
	}
	o.deps.Hooks.EmitAsync(context.WithoutCancel(ctx), event, sessionID, data)
}
