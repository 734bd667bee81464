package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeRooms struct {
	ops           *opLog
	createErr     error
	ownerErr      error
	userErr       error
	blockCreate   bool
	deleteRoomErr error
}

func (f *fakeRooms) CreateRoom(ctx context.Context, p rooms.RoomParams) (rooms.Room, error) {
	f.ops.add("create_room")
	if f.blockCreate {
		<-ctx.Done()
		return rooms.Room{}, ctx.Err()
	}
	if f.createErr != nil {
		return rooms.Room{}, f.createErr
	}
	return rooms.Room{ID: "r-1", Name: "room-123", URL: "https://example.daily.co/room-123"}, nil
}

func (f *fakeRooms) CreateToken(ctx context.Context, roomName string, p rooms.TokenParams) (string, error) {
	if p.Owner {
		f.ops.add("bot_token")
		if f.ownerErr != nil {
			return "", f.ownerErr
		}
	} else {
		f.ops.add("user_token")
		if f.userErr != nil {
			return "", f.userErr
		}
	}
	return "tok-abc", nil
}

func (f *fakeRooms) ListRecordings(ctx context.Context, roomName string) ([]rooms.RecordingInfo, error) {
	return nil, nil
}

func (f *fakeRooms) RecordingLink(ctx context.Context, recordingID string) (string, error) {
	return "", nil
}

func (f *fakeRooms) DeleteRecording(ctx context.Context, recordingID string) error { return nil }

func (f *fakeRooms) DeleteRoom(ctx context.Context, roomName string) error {
	f.ops.add("delete_room:" + roomName)
	return f.deleteRoomErr
}

type fakeTelephony struct {
	ops       *opLog
	createErr error
	last      telephony.CallParams
}

func (f *fakeTelephony) CreateCall(ctx context.Context, p telephony.CallParams) (string, error) {
	f.ops.add("create_call")
	f.last = p
	if f.createErr != nil {
		return "", f.createErr
	}
	return "CA123", nil
}

func (f *fakeTelephony) Hangup(ctx context.Context, callSID string) error {
	f.ops.add("hangup:" + callSID)
	return nil
}

type fakeAudio struct{ frames chan domain.MediaFrame }

func (a *fakeAudio) Send(ctx context.Context, f domain.MediaFrame) error { return nil }

func (a *fakeAudio) Frames() <-chan domain.MediaFrame { return a.frames }

type fakeSupervisor struct {
	ops       *opLog
	launchErr error

	mu       sync.Mutex
	launches []supervisor.LaunchSpec
	live     map[string]bool
	exits    chan supervisor.Exit
}

func newFakeSupervisor(ops *opLog) *fakeSupervisor {
	return &fakeSupervisor{ops: ops, live: map[string]bool{}, exits: make(chan supervisor.Exit, 16)}
}

func (f *fakeSupervisor) Launch(ctx context.Context, spec supervisor.LaunchSpec) (domain.AgentProcessHandle, error) {
	f.ops.add("launch:" + spec.SessionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	if f.launchErr != nil {
		return domain.AgentProcessHandle{}, f.launchErr
	}
	if f.live[spec.SessionID] {
		return domain.AgentProcessHandle{}, domain.NewError(domain.KindConflict, "supervisor.launch", domain.ErrAlreadyRunning)
	}
	f.live[spec.SessionID] = true
	return domain.AgentProcessHandle{SessionID: spec.SessionID, PID: 4242, LaunchedAt: time.Now()}, nil
}

func (f *fakeSupervisor) Alive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

func (f *fakeSupervisor) Terminate(ctx context.Context, id string) error {
	f.ops.add("terminate:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return domain.ErrAgentNotRunning
	}
	delete(f.live, id)
	return nil
}

func (f *fakeSupervisor) Audio(id string) (domain.AudioChannel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return nil, false
	}
	return &fakeAudio{frames: make(chan domain.MediaFrame)}, true
}

func (f *fakeSupervisor) Exits() <-chan supervisor.Exit { return f.exits }

func (f *fakeSupervisor) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []archive.Job
	err  error
}

func (f *fakeScheduler) Enqueue(job archive.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeScheduler) list() []archive.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archive.Job(nil), f.jobs...)
}

type harness struct {
	o      *Orchestrator
	ops    *opLog
	rooms  *fakeRooms
	tel    *fakeTelephony
	sup    *fakeSupervisor
	sched  *fakeScheduler
	ledger *store.SessionStore
	hooks  *hooks.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Defaults()
	cfg.Gateway.PublicURL = "https://calls.example.com"
	cfg.Telephony.FromNumber = "+15550199"
	cfg.Agent.StopGrace = 10 * time.Millisecond
	cfg.Provisioning.Timeout = time.Second

	ops := &opLog{}
	h := &harness{
		ops:    ops,
		rooms:  &fakeRooms{ops: ops},
		tel:    &fakeTelephony{ops: ops},
		sup:    newFakeSupervisor(ops),
		sched:  &fakeScheduler{},
		ledger: store.NewSessionStore(db),
		hooks:  hooks.NewManager(log),
	}
	h.o = New(&cfg, Deps{
		Rooms:      h.rooms,
		Telephony:  h.tel,
		Supervisor: h.sup,
		Ledger:     h.ledger,
		Archive:    h.sched,
		Hooks:      h.hooks,
	}, log)
	return h
}

func roomRequest() Request {
	return Request{BotType: "defaultBot", ClientInfo: domain.ClientInfo{Name: "Pat"}}
}

func TestCreateSession_Room(t *testing.T) {
	h := newHarness(t)

	res, err := h.o.CreateSession(context.Background(), roomRequest())
	require.NoError(t, err)
	assert.Equal(t, Result{
		Kind:      domain.KindRoom,
		SessionID: "room-123",
		RoomName:  "room-123",
		RoomURL:   "https://example.daily.co/room-123",
		Token:     "tok-abc",
	}, res)

	require.Equal(t, 1, h.sup.launchCount())
	spec := h.sup.launches[0]
	assert.Equal(t, "room-123", spec.SessionID)
	assert.Equal(t, "https://example.daily.co/room-123", spec.Binding.RoomURL)
	assert.Equal(t, "tok-abc", spec.Binding.Token)
	assert.Equal(t, "bot/bot.py", spec.Script)

	assert.Equal(t, "defaultBot", spec.BotType)
	var agentCfg map[string]any
	require.NoError(t, json.Unmarshal(spec.Config, &agentCfg))
	assert.Equal(t, map[string]any{"name": "Pat"}, agentCfg)

	assert.Equal(t, []string{"create_room", "bot_token", "launch:room-123", "user_token"}, h.ops.list())

	sess, err := h.o.Session(context.Background(), "room-123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, sess.State)

	stored, err := h.ledger.Get(context.Background(), "room-123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stored.State)
}

func TestCreateSession_DefaultsBotType(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.CreateSession(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "defaultBot", h.sup.launches[0].BotType)
}

func TestCreateSession_CreateRoomFails(t *testing.T) {
	h := newHarness(t)
	h.rooms.createErr = &rooms.APIError{Op: "create_room", Status: 500, Body: "boom"}

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
	assert.Equal(t, 0, h.sup.launchCount())
	assert.Equal(t, 0, h.o.Live())
	assert.Equal(t, []string{"create_room"}, h.ops.list())
}

func TestCreateSession_LaunchFailureDeletesRoom(t *testing.T) {
	h := newHarness(t)
	h.sup.launchErr = domain.NewError(domain.KindLaunch, "supervisor.launch", errors.New("script missing"))

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindLaunch, domain.KindOf(err))

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "room-123", de.SessionID)

	assert.Equal(t, []string{"create_room", "bot_token", "launch:room-123", "delete_room:room-123"}, h.ops.list())
	assert.Equal(t, 0, h.o.Live())

	stored, err := h.ledger.Get(context.Background(), "room-123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, stored.State)
	assert.NotEmpty(t, stored.Error)
}

func TestCreateSession_CompensationFailureIsOnlyLogged(t *testing.T) {
	h := newHarness(t)
	h.sup.launchErr = domain.NewError(domain.KindLaunch, "supervisor.launch", errors.New("exec failed"))
	h.rooms.deleteRoomErr = errors.New("provider down")

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindLaunch, domain.KindOf(err))
	assert.NotContains(t, err.Error(), "provider down")
}

func TestCreateSession_BotTokenFailure(t *testing.T) {
	h := newHarness(t)
	h.rooms.ownerErr = errors.New("token refused")

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
	assert.Equal(t, 0, h.sup.launchCount())
	assert.Equal(t, []string{"create_room", "bot_token", "delete_room:room-123"}, h.ops.list())
}

func TestCreateSession_UserTokenFailureStopsAgent(t *testing.T) {
	h := newHarness(t)
	h.rooms.userErr = errors.New("token refused")

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
	assert.Equal(t, []string{
		"create_room", "bot_token", "launch:room-123", "user_token",
		"terminate:room-123", "delete_room:room-123",
	}, h.ops.list())
	assert.False(t, h.sup.Alive("room-123"))
	assert.Equal(t, 0, h.o.Live())
}

func TestCreateSession_DuplicateIDIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, roomRequest())
	require.NoError(t, err)

	// The fake provider hands out the same room name again.
	_, err = h.o.CreateSession(ctx, roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.Equal(t, 1, h.sup.launchCount())

	sess, err := h.o.Session(ctx, "room-123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, sess.State)
	assert.NotContains(t, h.ops.list(), "delete_room:room-123")
}

func TestCreateSession_LaunchConflict(t *testing.T) {
	h := newHarness(t)
	h.sup.live["room-123"] = true

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Contains(t, h.ops.list(), "delete_room:room-123")
}

func TestCreateSession_Timeout(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Provisioning.Timeout = 30 * time.Millisecond
	h.rooms.blockCreate = true

	_, err := h.o.CreateSession(context.Background(), roomRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.Equal(t, 0, h.sup.launchCount())
}

func TestCreateSession_Telephony(t *testing.T) {
	h := newHarness(t)

	res, err := h.o.CreateSession(context.Background(), Request{
		BotType:    "salesBot",
		ClientInfo: domain.ClientInfo{Name: "Pat", Phone: "+1 (555) 010-0123"},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{
		Kind:      domain.KindTelephony,
		SessionID: "CA123",
		Message:   TelephonyStartedMessage,
		CallSID:   "CA123",
	}, res)

	assert.Equal(t, telephony.CallParams{
		To:             "+15550100123",
		From:           "+15550199",
		URL:            "https://calls.example.com/twiml",
		StatusCallback: "https://calls.example.com/webhooks/telephony/status",
	}, h.tel.last)

	require.Equal(t, 1, h.sup.launchCount())
	assert.Equal(t, domain.Binding{CallSID: "CA123"}, h.sup.launches[0].Binding)
	assert.Equal(t, "bot/test.py", h.sup.launches[0].Script)
}

func TestCreateSession_TelephonyTrimsPublicURL(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Gateway.PublicURL = "https://calls.example.com/"

	_, err := h.o.CreateSession(context.Background(), Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)
	assert.Equal(t, "https://calls.example.com/twiml", h.tel.last.URL)
	assert.Equal(t, "https://calls.example.com/webhooks/telephony/status", h.tel.last.StatusCallback)
}

func TestCreateSession_TelephonyRejectsBadPhone(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.CreateSession(context.Background(), Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "call me"}})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Empty(t, h.ops.list())
}

func TestCreateSession_TelephonyLaunchFailureHangsUp(t *testing.T) {
	h := newHarness(t)
	h.sup.launchErr = domain.NewError(domain.KindLaunch, "supervisor.launch", errors.New("exec failed"))

	_, err := h.o.CreateSession(context.Background(), Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.Error(t, err)
	assert.Equal(t, []string{"create_call", "launch:CA123", "hangup:CA123"}, h.ops.list())
	assert.Equal(t, 0, h.o.Live())
}

func TestEndSession_Room(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ended sync.WaitGroup
	ended.Add(1)
	h.hooks.On(hooks.EventSessionEnd, "test", func(ctx context.Context, p hooks.Payload) error {
		assert.Equal(t, "room-123", p.SessionID)
		ended.Done()
		return nil
	})

	_, err := h.o.CreateSession(ctx, Request{BotType: "customerCareBot"})
	require.NoError(t, err)

	require.NoError(t, h.o.EndSession(ctx, "room-123", "meeting ended"))
	require.NoError(t, h.o.Shutdown(ctx))
	ended.Wait()

	assert.Contains(t, h.ops.list(), "terminate:room-123")
	assert.Equal(t, []archive.Job{{SessionID: "room-123", BotType: "customerCareBot"}}, h.sched.list())
	assert.Equal(t, 0, h.o.Live())

	sess, err := h.o.Session(ctx, "room-123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, sess.State)
	assert.Equal(t, "meeting ended", sess.EndReason)
	require.NotNil(t, sess.EndedAt)

	// A second call-ended signal changes nothing.
	require.NoError(t, h.o.EndSession(ctx, "room-123", "again"))
	assert.Len(t, h.sched.list(), 1)

	events, err := h.ledger.Events(ctx, "room-123")
	require.NoError(t, err)
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{"created", "provisioned", "call_ended"}, names)
}

func TestEndSession_Unknown(t *testing.T) {
	h := newHarness(t)

	err := h.o.EndSession(context.Background(), "nope", "x")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestEndSession_TelephonyClosesBridge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)

	b := bridge.New(nil, h.o, config.BridgeConfig{}, logging.New(nil, "silent"))
	audio, err := h.o.Bind(ctx, "CA123", b)
	require.NoError(t, err)
	require.NotNil(t, audio)

	require.NoError(t, h.o.EndSession(ctx, "CA123", "completed"))
	assert.Equal(t, bridge.StateClosing, b.State())
	assert.Empty(t, h.sched.list(), "telephony sessions have no recordings to archive")
	require.NoError(t, h.o.Shutdown(ctx))
}

func TestRun_AgentExitEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.o.CreateSession(ctx, roomRequest())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	h.sup.exits <- supervisor.Exit{SessionID: "room-123", PID: 4242, ExitCode: 0, At: time.Now()}

	require.Eventually(t, func() bool { return len(h.sched.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.o.Live())
	assert.Equal(t, []archive.Job{{SessionID: "room-123", BotType: "defaultBot"}}, h.sched.list())
	assert.NotContains(t, h.ops.list(), "terminate:room-123")

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ExitForUnknownSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()
	h.sup.exits <- supervisor.Exit{SessionID: "ghost", ExitCode: 1}

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, h.sched.list())
}

func TestBind_RejectsSecondBridge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	log := logging.New(nil, "silent")

	_, err := h.o.CreateSession(ctx, Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)

	first := bridge.New(nil, h.o, config.BridgeConfig{}, log)
	_, err = h.o.Bind(ctx, "CA123", first)
	require.NoError(t, err)

	second := bridge.New(nil, h.o, config.BridgeConfig{}, log)
	_, err = h.o.Bind(ctx, "CA123", second)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	// A stale Unbind from the loser leaves the winner in place.
	h.o.Unbind("CA123", second)
	_, err = h.o.Bind(ctx, "CA123", second)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	// Releasing the bound bridge ends the call.
	h.o.Unbind("CA123", first)
	_, err = h.o.Bind(ctx, "CA123", second)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	sess, err := h.o.Session(ctx, "CA123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, sess.State)
	assert.Equal(t, "media stream closed", sess.EndReason)
	require.NoError(t, h.o.Shutdown(ctx))
	assert.Contains(t, h.ops.list(), "terminate:CA123")
}

func isBound(o *Orchestrator, callSID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.bridges[callSID]
	return ok
}

// dialBridge serves one media-stream socket backed by o and dials it.
func dialBridge(t *testing.T, o *Orchestrator) (*websocket.Conn, <-chan error) {
	t.Helper()
	errs := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b := bridge.New(conn, o, config.BridgeConfig{
			DrainTimeout: time.Second,
			SendQueue:    16,
			WriteTimeout: time.Second,
		}, logging.New(nil, "silent"))
		errs <- b.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, errs
}

func TestMediaStreamStopEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)

	client, errs := dialBridge(t, h.o)
	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"start","start":{"callSid":"CA123","streamSid":"MZ1"}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)))

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
	}
	client.Close()

	sess, err := h.o.Session(ctx, "CA123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, sess.State)
	assert.Equal(t, "media stream closed: stop event", sess.EndReason)

	require.NoError(t, h.o.Shutdown(ctx))
	assert.Contains(t, h.ops.list(), "terminate:CA123")
	assert.False(t, h.sup.Alive("CA123"))
}

func TestMediaStreamDisconnectEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)

	client, errs := dialBridge(t, h.o)
	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"start","start":{"callSid":"CA123","streamSid":"MZ1"}}`)))
	require.Eventually(t, func() bool {
		sess, err := h.o.Session(ctx, "CA123")
		return err == nil && sess.State == domain.StateActive && isBound(h.o, "CA123")
	}, time.Second, 5*time.Millisecond)
	client.Close()

	select {
	case err := <-errs:
		assert.Equal(t, domain.KindBridge, domain.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
	}

	sess, err := h.o.Session(ctx, "CA123")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, sess.State)
	assert.Equal(t, "media stream closed: read error", sess.EndReason)

	require.NoError(t, h.o.Shutdown(ctx))
	assert.Contains(t, h.ops.list(), "terminate:CA123")
}

func TestBind_WaitsThenGivesUp(t *testing.T) {
	h := newHarness(t)
	b := bridge.New(nil, h.o, config.BridgeConfig{}, logging.New(nil, "silent"))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := h.o.Bind(ctx, "CA-unknown", b)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBind_EndedSessionFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)
	require.NoError(t, h.o.EndSession(ctx, "CA123", "completed"))

	b := bridge.New(nil, h.o, config.BridgeConfig{}, logging.New(nil, "silent"))
	start := time.Now()
	_, err = h.o.Bind(ctx, "CA123", b)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandleRecordingReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, Request{BotType: "customerCareBot"})
	require.NoError(t, err)

	require.NoError(t, h.o.HandleRecordingReady(ctx, "room-123", "rec-1"))
	require.NoError(t, h.o.HandleRecordingReady(ctx, "room-unknown", "rec-2"))
	assert.Equal(t, []archive.Job{
		{SessionID: "room-123", BotType: "customerCareBot", RecordingID: "rec-1"},
		{SessionID: "room-unknown", BotType: "defaultBot", RecordingID: "rec-2"},
	}, h.sched.list())

	err = h.o.HandleRecordingReady(ctx, "", "rec-3")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSessions_OverlaysLiveState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, roomRequest())
	require.NoError(t, err)
	_, err = h.o.CreateSession(ctx, Request{BotType: "salesBot", ClientInfo: domain.ClientInfo{Phone: "+15550100"}})
	require.NoError(t, err)
	require.NoError(t, h.o.EndSession(ctx, "CA123", "completed"))

	list, err := h.o.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)

	states := map[string]domain.SessionState{}
	for _, s := range list {
		states[s.ID] = s.State
	}
	assert.Equal(t, domain.StateActive, states["room-123"])
	assert.Equal(t, domain.StateEnded, states["CA123"])
	require.NoError(t, h.o.Shutdown(ctx))
}

func TestShutdown_EndsLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateSession(ctx, roomRequest())
	require.NoError(t, err)

	require.NoError(t, h.o.Shutdown(ctx))
	assert.Equal(t, 0, h.o.Live())
	assert.False(t, h.sup.Alive("room-123"))
	sess, err := h.o.Session(ctx, "room-123")
	require.NoError(t, err)
	assert.Equal(t, "shutdown", sess.EndReason)
}

func TestOnArchiveResult_EmitsHooks(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var got []string
	record := func(ctx context.Context, p hooks.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.Event)
		return nil
	}
	h.hooks.On(hooks.EventRecordingArchived, "test", record)
	h.hooks.On(hooks.EventArchiveFailed, "test", record)

	h.o.OnArchiveResult(archive.Result{
		Job:      archive.Job{SessionID: "room-123"},
		Archived: []domain.ArchivedRecording{{RecordingID: "rec-1"}},
		Err:      domain.NewError(domain.KindFetchFailed, "archive.fetch", errors.New("404")),
	})
	h.hooks.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{hooks.EventRecordingArchived, hooks.EventArchiveFailed}, got)
}
