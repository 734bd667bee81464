package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/soyeahso/voxgate/internal/archive"
	"github.com/soyeahso/voxgate/internal/bridge"
	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/hooks"
	"github.com/soyeahso/voxgate/internal/store"
	"github.com/soyeahso/voxgate/internal/supervisor"
)

// bindPoll is how often Bind re-checks for the agent's audio channel.
const bindPoll = 50 * time.Millisecond

// EndSession delivers the call-ended signal for id. Ending a session that
// already ended is a no-op.
func (o *Orchestrator) EndSession(ctx context.Context, id, reason string) error {
	if _, err := o.apply(ctx, id, domain.EventCallEnded, reason); err != nil {
		return err
	}
	return nil
}

// apply runs ev through the state machine for a live session, persists the
// result and runs the effects. It returns the session after the transition.
func (o *Orchestrator) apply(ctx context.Context, id string, ev domain.SessionEvent, reason string) (domain.CallSession, error) {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		stored, err := o.Session(ctx, id)
		if err != nil {
			return domain.CallSession{}, err
		}
		// Only terminal sessions leave the live map.
		return stored, nil
	}

	from := sess.State
	next, effects, err := domain.Transition(sess.Kind, sess.State, ev)
	if err != nil {
		o.mu.Unlock()
		return domain.CallSession{}, domain.NewError(domain.KindInternal, "orchestrator.apply", err).WithSession(id, string(ev))
	}
	sess.State = next
	if next.Terminal() {
		now := o.now()
		sess.EndedAt = &now
		sess.EndReason = reason
		if next == domain.StateFailed && sess.Error == "" {
			sess.Error = string(ev) + " during provisioning"
		}
		delete(o.sessions, id)
	}
	snapshot := *sess
	var br *bridge.Bridge
	for _, eff := range effects {
		if eff == domain.EffectCloseBridge {
			br = o.bridges[id]
		}
	}
	o.mu.Unlock()

	log := o.log.With(id, string(ev))
	log.Info().
		Str("from", string(from)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("session transition")
	o.persist(ctx, snapshot, string(ev), reason)

	for _, eff := range effects {
		switch eff {
		case domain.EffectCloseBridge:
			if br != nil {
				br.Close(reason)
			}
		case domain.EffectTerminateAgent:
			o.terminateAsync(ctx, id)
		case domain.EffectScheduleArchive:
			o.scheduleArchive(ctx, archive.Job{SessionID: id, BotType: snapshot.BotType})
		case domain.EffectReleaseHandle:
			// The supervisor reclaims the handle when the process exits.
		}
	}

	if next.Terminal() {
		o.emit(ctx, hooks.EventSessionEnd, id, map[string]any{
			"kind":    string(snapshot.Kind),
			"botType": snapshot.BotType,
			"state":   string(next),
			"reason":  reason,
		})
	}
	return snapshot, nil
}

func (o *Orchestrator) terminateAsync(ctx context.Context, id string) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.terminateTimeout())
		defer cancel()
		err := o.deps.Supervisor.Terminate(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrAgentNotRunning) {
			o.log.With(id, "terminate").Error().Err(err).Msg("agent terminate failed")
		}
	}()
}

func (o *Orchestrator) scheduleArchive(ctx context.Context, job archive.Job) {
	log := o.log.With(job.SessionID, "archive")
	if o.deps.Archive == nil {
		log.Debug().Msg("archiving disabled")
		return
	}
	if err := o.deps.Archive.Enqueue(job); err != nil {
		log.Error().Err(err).Str("recordingId", job.RecordingID).Msg("could not schedule archive")
		o.emit(ctx, hooks.EventArchiveFailed, job.SessionID, map[string]any{"error": err.Error()})
		return
	}
	log.Debug().Str("recordingId", job.RecordingID).Msg("archive scheduled")
}

// Run consumes agent exits until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	exits := o.deps.Supervisor.Exits()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ex, ok := <-exits:
			if !ok {
				return nil
			}
			o.handleExit(ctx, ex)
		}
	}
}

func (o *Orchestrator) handleExit(ctx context.Context, ex supervisor.Exit) {
	log := o.log.With(ex.SessionID, "agent_exit")
	ev := log.Info()
	if ex.Err != nil {
		ev = log.Warn().Err(ex.Err)
	}
	ev.Int("pid", ex.PID).Int("exitCode", ex.ExitCode).Bool("terminated", ex.Terminated).Msg("agent exited")

	o.emit(ctx, hooks.EventAgentExited, ex.SessionID, map[string]any{
		"pid":        ex.PID,
		"exitCode":   ex.ExitCode,
		"terminated": ex.Terminated,
	})

	if _, err := o.apply(ctx, ex.SessionID, domain.EventAgentExited, "agent exited"); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Error().Err(err).Msg("failed to apply agent exit")
	}
}

// Bind attaches a media bridge to the call's agent and returns the agent's
// audio channel. It waits for the agent to come up until ctx is done.
func (o *Orchestrator) Bind(ctx context.Context, callSID string, b *bridge.Bridge) (domain.AudioChannel, error) {
	ticker := time.NewTicker(bindPoll)
	defer ticker.Stop()

	for {
		audio, err := o.tryBind(ctx, callSID, b)
		if err != nil || audio != nil {
			return audio, err
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.KindNotFound, "orchestrator.bind",
				errors.Join(domain.ErrAgentNotRunning, ctx.Err())).WithSession(callSID, "bind")
		case <-ticker.C:
		}
	}
}

// tryBind returns (nil, nil) when the caller should keep waiting.
func (o *Orchestrator) tryBind(ctx context.Context, callSID string, b *bridge.Bridge) (domain.AudioChannel, error) {
	o.mu.Lock()
	sess, live := o.sessions[callSID]
	if live {
		if sess.Kind != domain.KindTelephony {
			o.mu.Unlock()
			return nil, domain.Validationf("session %s has no media stream", callSID)
		}
		if cur, ok := o.bridges[callSID]; ok && cur != b && cur.State() != bridge.StateClosed {
			o.mu.Unlock()
			return nil, domain.NewError(domain.KindConflict, "orchestrator.bind",
				errors.New("call already has a media stream")).WithSession(callSID, "bind")
		}
		audio, ok := o.deps.Supervisor.Audio(callSID)
		if ok {
			o.bridges[callSID] = b
		}
		o.mu.Unlock()
		if ok {
			o.log.With(callSID, "bind").Info().Str("bridge", b.ID()).Msg("media stream bound")
			o.emit(ctx, hooks.EventBridgeOpen, callSID, map[string]any{"bridge": b.ID()})
			return audio, nil
		}
		return nil, nil
	}
	o.mu.Unlock()

	// Not live: either still being registered, or already over.
	if stored, err := o.Session(ctx, callSID); err == nil && stored.State.Terminal() {
		return nil, domain.NewError(domain.KindNotFound, "orchestrator.bind",
			domain.ErrSessionNotFound).WithSession(callSID, "bind")
	}
	return nil, nil
}

// Unbind forgets b if it is still the call's bridge. The media stream
// closing is a call-ended signal, so the session is ended as well.
func (o *Orchestrator) Unbind(callSID string, b *bridge.Bridge) {
	o.mu.Lock()
	cur, ok := o.bridges[callSID]
	if ok && cur == b {
		delete(o.bridges, callSID)
	}
	o.mu.Unlock()
	if !ok || cur != b {
		return
	}

	st := b.Stats()
	o.log.With(callSID, "unbind").Info().
		Str("bridge", b.ID()).
		Int64("inbound", st.Inbound).
		Int64("outbound", st.Outbound).
		Int64("dropped", st.Dropped).
		Msg("media stream unbound")
	ctx := context.Background()
	o.emit(ctx, hooks.EventBridgeClosed, callSID, map[string]any{
		"bridge":   b.ID(),
		"inbound":  st.Inbound,
		"outbound": st.Outbound,
	})

	reason := "media stream closed"
	if r := b.Reason(); r != "" {
		reason += ": " + r
	}
	if err := o.EndSession(ctx, callSID, reason); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		o.log.With(callSID, "unbind").Error().Err(err).Msg("failed to end session after media stream closed")
	}
}

// HandleRecordingReady schedules archival of a single finished recording.
func (o *Orchestrator) HandleRecordingReady(ctx context.Context, roomName, recordingID string) error {
	if roomName == "" || recordingID == "" {
		return domain.Validationf("recording webhook needs a room name and a recording id")
	}
	botType := config.DefaultBotType
	if sess, err := o.Session(ctx, roomName); err == nil && sess.BotType != "" {
		botType = sess.BotType
	}
	o.scheduleArchive(ctx, archive.Job{SessionID: roomName, BotType: botType, RecordingID: recordingID})
	return nil
}

// Session returns the live session, or the persisted one once it is over.
func (o *Orchestrator) Session(ctx context.Context, id string) (domain.CallSession, error) {
	o.mu.Lock()
	sess, ok := o.sessions[id]
	var snapshot domain.CallSession
	if ok {
		snapshot = *sess
	}
	o.mu.Unlock()
	if ok {
		return snapshot, nil
	}

	notFound := domain.NewError(domain.KindNotFound, "orchestrator.session", domain.ErrSessionNotFound).WithSession(id, "lookup")
	if o.deps.Ledger == nil {
		return domain.CallSession{}, notFound
	}
	stored, err := o.deps.Ledger.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CallSession{}, notFound
	}
	if err != nil {
		return domain.CallSession{}, domain.NewError(domain.KindInternal, "orchestrator.session", err).WithSession(id, "lookup")
	}
	return stored, nil
}

// Sessions lists recent sessions, newest first. Live sessions reflect the
// in-memory state.
func (o *Orchestrator) Sessions(ctx context.Context, limit int) ([]domain.CallSession, error) {
	o.mu.Lock()
	live := make(map[string]domain.CallSession, len(o.sessions))
	for id, s := range o.sessions {
		live[id] = *s
	}
	o.mu.Unlock()

	if o.deps.Ledger == nil {
		out := make([]domain.CallSession, 0, len(live))
		for _, s := range live {
			out = append(out, s)
		}
		sortNewest(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	stored, err := o.deps.Ledger.List(ctx, limit)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "orchestrator.sessions", err)
	}
	for i, s := range stored {
		if cur, ok := live[s.ID]; ok {
			stored[i] = cur
		}
	}
	return stored, nil
}

func sortNewest(list []domain.CallSession) {
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
}

// Live reports how many sessions are not yet over.
func (o *Orchestrator) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Shutdown ends every live session and waits for their agents to stop.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.EndSession(ctx, id, "shutdown"); err != nil {
			o.log.With(id, "shutdown").Warn().Err(err).Msg("failed to end session")
		}
	}

	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnArchiveResult publishes archive outcomes on the hooks bus. It is meant
// for archive.Worker.OnResult.
func (o *Orchestrator) OnArchiveResult(r archive.Result) {
	ctx := context.Background()
	for _, a := range r.Archived {
		o.emit(ctx, hooks.EventRecordingArchived, r.Job.SessionID, map[string]any{
			"recordingId": a.RecordingID,
			"bucket":      a.Bucket,
			"key":         a.Key,
			"deleted":     a.Deleted,
		})
	}
	if r.Err != nil {
		o.emit(ctx, hooks.EventArchiveFailed, r.Job.SessionID, map[string]any{
			"recordingId": r.Job.RecordingID,
			"error":       r.Err.Error(),
			"kind":        string(domain.KindOf(r.Err)),
		})
	}
}
