package supervisor

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/logging"
)

// MaxFrameSize bounds a single audio frame read from an agent.
const MaxFrameSize = 1 << 20

const frameHeaderSize = 4

// pipeChannel carries audio over the agent's stdin and stdout. Each frame is
// a 4-byte big-endian length followed by that many bytes of raw audio.
type pipeChannel struct {
	sessionID string
	log       *logging.Logger

	wmu sync.Mutex
	w   *os.File

	frames chan domain.MediaFrame
	closed chan struct{}
	once   sync.Once
}

func newPipeChannel(sessionID string, w, r *os.File, log *logging.Logger) *pipeChannel {
	c := &pipeChannel{
		sessionID: sessionID,
		log:       log,
		w:         w,
		frames:    make(chan domain.MediaFrame, 64),
		closed:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Send writes one frame to the agent's stdin. The context deadline, if any,
// bounds the write.
func (c *pipeChannel) Send(ctx context.Context, f domain.MediaFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return domain.ErrAgentNotRunning
	default:
	}
	if len(f.Payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(f.Payload))
	}

	buf := make([]byte, frameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf, uint32(len(f.Payload)))
	copy(buf[frameHeaderSize:], f.Payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.w.SetWriteDeadline(deadline)
		defer c.w.SetWriteDeadline(time.Time{})
	}
	if _, err := c.w.Write(buf); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return domain.ErrAgentNotRunning
		}
		return fmt.Errorf("writing frame to agent: %w", err)
	}
	return nil
}

// Frames yields audio the agent writes to stdout. The channel is closed
// when the agent closes stdout or exits.
func (c *pipeChannel) Frames() <-chan domain.MediaFrame {
	return c.frames
}

func (c *pipeChannel) readLoop(r *os.File) {
	defer close(c.frames)
	defer r.Close()

	br := bufio.NewReader(r)
	var hdr [frameHeaderSize]byte
	var seq int64
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.log.Warn().Err(err).Msg("agent audio stream ended")
			}
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxFrameSize {
			c.log.Error().Uint32("size", n).Msg("agent sent oversized audio frame; closing audio stream")
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			c.log.Warn().Err(err).Msg("agent audio frame truncated")
			return
		}
		seq++
		select {
		case c.frames <- domain.MediaFrame{SessionID: c.sessionID, Payload: payload, Seq: seq}:
		case <-c.closed:
			return
		}
	}
}

// close stops accepting frames and releases the stdin pipe. Safe to call
// more than once.
func (c *pipeChannel) close() {
	c.once.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		c.w.Close()
		c.wmu.Unlock()
	})
}
