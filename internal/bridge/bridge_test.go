package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAudio struct {
	mu   sync.Mutex
	sent []domain.MediaFrame
	got  chan domain.MediaFrame
	out  chan domain.MediaFrame
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{got: make(chan domain.MediaFrame, 64), out: make(chan domain.MediaFrame)}
}

func (a *fakeAudio) Send(ctx context.Context, f domain.MediaFrame) error {
	a.mu.Lock()
	a.sent = append(a.sent, f)
	a.mu.Unlock()
	a.got <- f
	return nil
}

func (a *fakeAudio) Frames() <-chan domain.MediaFrame { return a.out }

func (a *fakeAudio) sentFrames() []domain.MediaFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.MediaFrame(nil), a.sent...)
}

type fakeBinder struct {
	audio   *fakeAudio
	err     error
	mu      sync.Mutex
	bound   []string
	unbound chan string
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{audio: newFakeAudio(), unbound: make(chan string, 4)}
}

func (f *fakeBinder) Bind(ctx context.Context, callSID string, b *Bridge) (domain.AudioChannel, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.bound = append(f.bound, callSID)
	f.mu.Unlock()
	return f.audio, nil
}

func (f *fakeBinder) Unbind(callSID string, b *Bridge) { f.unbound <- callSID }

type harness struct {
	bridges chan *Bridge
	errs    chan error
	client  *websocket.Conn
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		DrainTimeout: time.Second,
		SendQueue:    16,
		ReadLimit:    1 << 20,
		WriteTimeout: time.Second,
	}
}

func newHarness(t *testing.T, binder Binder, cfg config.BridgeConfig) *harness {
	t.Helper()
	h := &harness{bridges: make(chan *Bridge, 1), errs: make(chan error, 1)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b := New(conn, binder, cfg, logging.New(nil, "silent"))
		h.bridges <- b
		h.errs <- b.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	h.client = client
	return h
}

func (h *harness) bridge(t *testing.T) *Bridge {
	t.Helper()
	select {
	case b := <-h.bridges:
		h.bridges <- b
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("bridge not created")
		return nil
	}
}

func (h *harness) send(t *testing.T, msg string) {
	t.Helper()
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.send(t, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	h.send(t, `{"event":"start","sequenceNumber":"1","streamSid":"MZ1",
		"start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA1","tracks":["inbound"],
		"customParameters":{"botType":"salesBot"}}}`)
}

func (h *harness) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
		return nil
	}
}

func (h *harness) readMedia(t *testing.T, n int) []outboundMedia {
	t.Helper()
	var out []outboundMedia
	h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(out) < n {
		_, data, err := h.client.ReadMessage()
		require.NoError(t, err)
		var m outboundMedia
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, m)
	}
	return out
}

func waitState(t *testing.T, b *Bridge, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == want }, 5*time.Second, 5*time.Millisecond)
}

func TestBridge_MediaEventForwardsOneFrame(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)
	h.send(t, `{"event":"media","media":{"payload":"QQ=="}}`)

	select {
	case f := <-binder.audio.got:
		assert.Equal(t, []byte("A"), f.Payload)
		assert.Equal(t, "CA1", f.SessionID)
		assert.Equal(t, int64(1), f.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not forwarded")
	}

	b := h.bridge(t)
	assert.Equal(t, StateStreaming, b.State())
	assert.Equal(t, "MZ1", b.StreamSID())
	assert.Equal(t, map[string]string{"botType": "salesBot"}, b.Parameters())

	h.send(t, `{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`)
	assert.NoError(t, h.runErr(t))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "CA1", <-binder.unbound)
	assert.Len(t, binder.audio.sentFrames(), 1)
	assert.Equal(t, int64(1), b.Stats().Inbound)
}

func TestBridge_InboundOrderPreserved(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)
	for i := 1; i <= 20; i++ {
		payload := base64.StdEncoding.EncodeToString([]byte(fmt.Sprint(i)))
		h.send(t, fmt.Sprintf(`{"event":"media","sequenceNumber":"%d","media":{"payload":%q}}`, i+1, payload))
	}

	for i := 1; i <= 20; i++ {
		select {
		case f := <-binder.audio.got:
			assert.Equal(t, fmt.Sprint(i), string(f.Payload))
			assert.Equal(t, int64(i), f.Seq)
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d missing", i)
		}
	}
}

func TestBridge_OutboundPreservesProducerOrder(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)
	b := h.bridge(t)
	waitState(t, b, StateStreaming)

	const n = 50
	go func() {
		for i := 1; i <= n; i++ {
			binder.audio.out <- domain.MediaFrame{SessionID: "CA1", Payload: []byte(fmt.Sprint(i))}
		}
	}()

	msgs := h.readMedia(t, n)
	for i, m := range msgs {
		assert.Equal(t, EventMedia, m.Event)
		assert.Equal(t, "MZ1", m.StreamSID)
		raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i+1), string(raw))
	}
}

func TestBridge_ConcurrentProducersSerialized(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)
	b := h.bridge(t)
	waitState(t, b, StateStreaming)

	const producers, perProducer = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f := domain.MediaFrame{Payload: []byte(fmt.Sprintf("%d:%d", p, i))}
				assert.NoError(t, b.Enqueue(context.Background(), f))
			}
		}()
	}

	msgs := h.readMedia(t, producers*perProducer)
	wg.Wait()

	last := map[int]int{}
	for p := 0; p < producers; p++ {
		last[p] = -1
	}
	for _, m := range msgs {
		raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		require.NoError(t, err)
		var p, i int
		_, err = fmt.Sscanf(string(raw), "%d:%d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, last[p]+1, i, "producer %d out of order", p)
		last[p] = i
	}
}

func TestBridge_CloseDrainsQueuedFrames(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)
	b := h.bridge(t)
	waitState(t, b, StateStreaming)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Enqueue(context.Background(), domain.MediaFrame{Payload: []byte{byte(i)}}))
	}
	b.Close("call ended")
	assert.ErrorIs(t, b.Enqueue(context.Background(), domain.MediaFrame{Payload: []byte{9}}), ErrClosed)

	msgs := h.readMedia(t, 3)
	for i, m := range msgs {
		raw, _ := base64.StdEncoding.DecodeString(m.Media.Payload)
		assert.Equal(t, []byte{byte(i + 1)}, raw)
	}

	_, _, err := h.client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.NoError(t, h.runErr(t))
	<-b.Done()
	assert.Equal(t, StateClosed, b.State())
}

func TestBridge_MalformedFrameIsBridgeError(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)
	h.send(t, `{"event":"media","media":{"payload":"%%%not-base64"}}`)

	err := h.runErr(t)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBridge))
	assert.Equal(t, "CA1", <-binder.unbound)
}

func TestBridge_InvalidJSONIsBridgeError(t *testing.T) {
	h := newHarness(t, newFakeBinder(), testBridgeConfig())
	h.send(t, `not json`)

	err := h.runErr(t)
	assert.True(t, domain.IsKind(err, domain.KindBridge))
}

func TestBridge_MediaBeforeStartDropped(t *testing.T) {
	binder := newFakeBinder()
	h := newHarness(t, binder, testBridgeConfig())
	h.send(t, `{"event":"media","media":{"payload":"QQ=="}}`)
	h.send(t, `{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting"}}`)

	b := h.bridge(t)
	require.Eventually(t, func() bool { return len(b.Stats().Marks) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), b.Stats().Dropped)
	assert.Empty(t, binder.audio.sentFrames())
	assert.Equal(t, StateConnecting, b.State())

	h.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	assert.NoError(t, h.runErr(t))
	assert.Empty(t, binder.unbound)
}

func TestBridge_AbruptDisconnectIsBridgeError(t *testing.T) {
	h := newHarness(t, newFakeBinder(), testBridgeConfig())
	h.start(t)
	h.bridge(t)
	h.client.Close()

	err := h.runErr(t)
	assert.True(t, domain.IsKind(err, domain.KindBridge))
}

func TestBridge_BindFailure(t *testing.T) {
	binder := newFakeBinder()
	binder.err = errors.New("no agent for call")
	h := newHarness(t, binder, testBridgeConfig())
	h.start(t)

	err := h.runErr(t)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBridge))
	assert.Contains(t, err.Error(), "no agent for call")
}

func TestDecodeEvent(t *testing.T) {
	_, err := decodeEvent([]byte(`{"event":"start","start":{}}`))
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`{"event":"media"}`))
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`{}`))
	assert.Error(t, err)

	ev, err := decodeEvent([]byte(`{"event":"dtmf","dtmf":{"digit":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "dtmf", ev.Event)
}

func TestEncodeMedia(t *testing.T) {
	msg, err := encodeMedia("MZ1", []byte("A"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"QQ=="}}`, string(msg))

	msg, err = encodeMedia("", []byte("A"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","media":{"payload":"QQ=="}}`, string(msg))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
}
