// Package bridge relays audio between a telephony provider's media
// WebSocket and the agent process bound to the call.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/logging"
)

// ErrClosed is returned by Enqueue once the bridge is closing.
var ErrClosed = errors.New("bridge closed")

// State is the lifecycle position of a bridge.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the subset of *websocket.Conn the bridge uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Binder resolves the agent audio channel for a call and is told when the
// bridge goes away.
type Binder interface {
	Bind(ctx context.Context, callSID string, b *Bridge) (domain.AudioChannel, error)
	Unbind(callSID string, b *Bridge)
}

// Stats are bridge-local counters.
type Stats struct {
	Inbound  int64
	Outbound int64
	Dropped  int64
	Marks    []string
}

// Bridge is one media WebSocket bound to one call.
type Bridge struct {
	id     string
	conn   Conn
	binder Binder
	cfg    config.BridgeConfig
	log    *logging.Logger

	state atomic.Int32

	mu        sync.Mutex
	streamSID string
	callSID   string
	params    map[string]string
	audio     domain.AudioChannel
	marks     []string
	reason    string

	inSeq    int64
	inbound  atomic.Int64
	outbound atomic.Int64
	dropped  atomic.Int64

	sendq      chan domain.MediaFrame
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
	done       chan struct{}
}

// New wraps an upgraded connection. Call Run to start relaying.
func New(conn Conn, binder Binder, cfg config.BridgeConfig, log *logging.Logger) *Bridge {
	queue := cfg.SendQueue
	if queue <= 0 {
		queue = 256
	}
	id := uuid.NewString()
	return &Bridge{
		id:         id,
		conn:       conn,
		binder:     binder,
		cfg:        cfg,
		log:        log.Sub("bridge").With("", "bridge"),
		sendq:      make(chan domain.MediaFrame, queue),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID identifies the bridge instance.
func (b *Bridge) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// CallSID returns the call the bridge is bound to, empty before start.
func (b *Bridge) CallSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callSID
}

// StreamSID returns the provider's stream id, empty before start.
func (b *Bridge) StreamSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamSID
}

// Parameters returns the custom parameters from the start event.
func (b *Bridge) Parameters() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// Reason is why the bridge started closing, or "" while it is open.
func (b *Bridge) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	marks := append([]string(nil), b.marks...)
	b.mu.Unlock()
	return Stats{
		Inbound:  b.inbound.Load(),
		Outbound: b.outbound.Load(),
		Dropped:  b.dropped.Load(),
		Marks:    marks,
	}
}

// Done is closed once the bridge reaches StateClosed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Run relays frames until the socket closes, a stop event arrives, or Close
// is called, then drains and releases the bridge. A malformed frame ends
// the bridge with a bridge error.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cfg.ReadLimit > 0 {
		b.conn.SetReadLimit(b.cfg.ReadLimit)
	}
	if b.cfg.PingInterval > 0 {
		b.extendReadDeadline()
		b.conn.SetPongHandler(func(string) error {
			b.extendReadDeadline()
			return nil
		})
	}

	go b.writeLoop()
	stopWatch := context.AfterFunc(ctx, func() { b.Close("shutdown") })
	defer stopWatch()

	err := b.readLoop(ctx)
	switch {
	case err == nil:
	case b.State() >= StateClosing:
		err = nil
	default:
		var de *domain.Error
		if !errors.As(err, &de) {
			err = domain.NewError(domain.KindBridge, "bridge.read", err).WithSession(b.CallSID(), "media")
		}
		b.logger().Warn().Err(err).Msg("bridge read failed")
		b.Close("read error")
	}
	if err == nil {
		b.Close("socket closed")
	}
	b.finish()
	return err
}

func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if b.State() >= StateClosing {
			b.dropped.Add(1)
			continue
		}
		if b.cfg.PingInterval > 0 {
			b.extendReadDeadline()
		}

		ev, err := decodeEvent(data)
		if err != nil {
			return domain.NewError(domain.KindBridge, "bridge.decode", err).WithSession(b.CallSID(), "media")
		}
		stop, err := b.handle(ctx, ev)
		if err != nil {
			return err
		}
		if stop {
			b.Close("stop event")
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev inboundEvent) (bool, error) {
	switch ev.Event {
	case EventConnected:
		b.logger().Debug().Msg("provider connected")

	case EventStart:
		return false, b.start(ctx, ev)

	case EventMedia:
		audio, err := decodePayload(ev.Media)
		if err != nil {
			return false, domain.NewError(domain.KindBridge, "bridge.decode", err).WithSession(b.CallSID(), "media")
		}
		b.forward(ctx, audio)

	case EventMark:
		if ev.Mark != nil {
			b.mu.Lock()
			b.marks = append(b.marks, ev.Mark.Name)
			b.mu.Unlock()
		}

	case EventStop:
		return true, nil

	default:
		b.logger().Debug().Str("event", ev.Event).Msg("ignoring unknown event")
	}
	return false, nil
}

func (b *Bridge) start(ctx context.Context, ev inboundEvent) error {
	if b.State() != StateConnecting {
		b.logger().Warn().Str("callSid", ev.Start.CallSID).Msg("duplicate start event ignored")
		return nil
	}
	streamSID := ev.Start.StreamSID
	if streamSID == "" {
		streamSID = ev.StreamSID
	}

	bindCtx := ctx
	if b.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		bindCtx, cancel = context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
	}
	audio, err := b.binder.Bind(bindCtx, ev.Start.CallSID, b)
	if err != nil {
		return domain.NewError(domain.KindBridge, "bridge.bind", err).WithSession(ev.Start.CallSID, "bind")
	}

	b.mu.Lock()
	b.callSID = ev.Start.CallSID
	b.streamSID = streamSID
	b.params = ev.Start.CustomParameters
	b.audio = audio
	b.mu.Unlock()

	b.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming))
	b.logger().Info().Str("streamSid", streamSID).Msg("media stream started")

	go b.pumpAgent(audio)
	return nil
}

// forward hands one inbound frame to the agent, in arrival order.
func (b *Bridge) forward(ctx context.Context, payload []byte) {
	b.mu.Lock()
	audio := b.audio
	callSID := b.callSID
	b.mu.Unlock()

	if audio == nil {
		b.dropped.Add(1)
		b.logger().Debug().Msg("media before start dropped")
		return
	}

	b.inSeq++
	frame := domain.MediaFrame{SessionID: callSID, Payload: payload, Seq: b.inSeq}

	sendCtx := ctx
	if b.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
	}
	if err := audio.Send(sendCtx, frame); err != nil {
		b.dropped.Add(1)
		b.logger().Warn().Err(err).Int64("seq", frame.Seq).Msg("frame not delivered to agent")
		return
	}
	b.inbound.Add(1)
}

// pumpAgent moves agent-produced audio into the send queue.
func (b *Bridge) pumpAgent(audio domain.AudioChannel) {
	for {
		select {
		case <-b.closing:
			return
		case f, ok := <-audio.Frames():
			if !ok {
				b.logger().Debug().Msg("agent audio ended")
				return
			}
			if err := b.Enqueue(context.Background(), f); err != nil {
				return
			}
		}
	}
}

// Enqueue queues an outbound frame. Frames are written in the order they
// were enqueued; Enqueue blocks while the queue is full.
func (b *Bridge) Enqueue(ctx context.Context, f domain.MediaFrame) error {
	select {
	case <-b.closing:
		return ErrClosed
	default:
	}
	select {
	case b.sendq <- f:
		return nil
	case <-b.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close moves the bridge to closing. Inbound frames stop being forwarded
// immediately; queued outbound frames are drained before the socket closes.
// The agent is left running.
func (b *Bridge) Close(reason string) {
	b.closeOnce.Do(func() {
		for {
			cur := b.state.Load()
			if cur >= int32(StateClosing) || b.state.CompareAndSwap(cur, int32(StateClosing)) {
				break
			}
		}
		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()
		b.logger().Debug().Str("reason", reason).Msg("bridge closing")
		close(b.closing)
	})
}

// writeLoop is the only writer to the socket.
func (b *Bridge) writeLoop() {
	defer close(b.writerDone)
	defer b.conn.Close()

	var ping <-chan time.Time
	if b.cfg.PingInterval > 0 {
		t := time.NewTicker(b.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case f := <-b.sendq:
			if err := b.write(f); err != nil {
				b.writeFailed(err)
				return
			}
		case <-ping:
			if err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.writeTimeout())); err != nil {
				b.writeFailed(err)
				return
			}
		case <-b.closing:
			b.drain()
			b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(b.writeTimeout()))
			return
		}
	}
}

func (b *Bridge) drain() {
	timeout := b.cfg.DrainTimeout
	if timeout <= 0 {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			if n := len(b.sendq); n > 0 {
				b.dropped.Add(int64(n))
				b.logger().Warn().Int("frames", n).Msg("drain timeout; frames dropped")
			}
			return
		default:
		}
		select {
		case f := <-b.sendq:
			if err := b.write(f); err != nil {
				b.logger().Warn().Err(err).Msg("drain write failed")
				return
			}
		default:
			return
		}
	}
}

func (b *Bridge) write(f domain.MediaFrame) error {
	msg, err := encodeMedia(b.StreamSID(), f.Payload)
	if err != nil {
		return err
	}
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout())); err != nil {
		return err
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	b.outbound.Add(1)
	return nil
}

func (b *Bridge) writeFailed(err error) {
	bridgeErr := domain.NewError(domain.KindBridge, "bridge.write", err).WithSession(b.CallSID(), "media")
	b.logger().Warn().Err(bridgeErr).Msg("bridge write failed")
	b.Close("write error")
}

// finish waits for the writer, then releases the agent channel and tells
// the binder the bridge is gone.
func (b *Bridge) finish() {
	wait := b.cfg.DrainTimeout + b.writeTimeout()
	select {
	case <-b.writerDone:
	case <-time.After(wait):
		b.logger().Warn().Msg("writer did not finish; closing socket")
		b.conn.Close()
	}

	b.mu.Lock()
	callSID := b.callSID
	bound := b.audio != nil
	b.audio = nil
	reason := b.reason
	b.mu.Unlock()

	b.state.Store(int32(StateClosed))
	if bound {
		b.binder.Unbind(callSID, b)
	}
	st := b.Stats()
	b.logger().Info().Str("reason", reason).Int64("inbound", st.Inbound).Int64("outbound", st.Outbound).
		Int64("dropped", st.Dropped).Msg("bridge closed")
	close(b.done)
}

func (b *Bridge) logger() *logging.Logger {
	return b.log.With(b.CallSID(), "")
}

func (b *Bridge) extendReadDeadline() {
	b.conn.SetReadDeadline(time.Now().Add(2*b.cfg.PingInterval + b.writeTimeout()))
}

func (b *Bridge) writeTimeout() time.Duration {
	if b.cfg.WriteTimeout > 0 {
		return b.cfg.WriteTimeout
	}
	return 10 * time.Second
}
