// Package line implements the newline-delimited request protocol:
//
//	client -> server: KEY '\n' MESSAGE '\n'
//	server -> client: CIPHERTEXT (no delimiter)
package line

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hasirciogluhq/xcipher/internal/cipher"
	"github.com/hasirciogluhq/xcipher/internal/logger"
	"github.com/hasirciogluhq/xcipher/internal/registry"
)

// DefaultMaxFrameSize bounds the bytes buffered for one incomplete frame.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when a connection sends more than the frame
// limit without completing a frame.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// FramingMode selects how reads are split into frames.
type FramingMode int

const (
	// FramingBuffered accumulates reads per connection and answers every
	// complete frame.
	FramingBuffered FramingMode = iota
	// FramingLegacy looks at each read alone: no key terminator means the
	// read is dropped, and a missing message terminator is tolerated.
	FramingLegacy
)

// DelayFunc returns how long to wait before sending a reply.
type DelayFunc func() time.Duration

// UniformSeconds returns a DelayFunc picking a whole number of seconds in
// [lo, hi] uniformly.
func UniformSeconds(lo, hi int) DelayFunc {
	return func() time.Duration {
		if hi <= lo {
			return time.Duration(lo) * time.Second
		}
		return time.Duration(lo+rand.Intn(hi-lo+1)) * time.Second
	}
}

// UniformRange returns a DelayFunc over [lo, hi] with whole-second steps
// when both ends are whole seconds, and nanosecond steps otherwise.
func UniformRange(lo, hi time.Duration) DelayFunc {
	if lo%time.Second == 0 && hi%time.Second == 0 {
		return UniformSeconds(int(lo/time.Second), int(hi/time.Second))
	}
	return func() time.Duration {
		if hi <= lo {
			return lo
		}
		return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
	}
}

// Frame is one decoded request.
type Frame struct {
	Key     []byte
	Message []byte
}

// ParseFrame extracts the first frame from buf. It reports how many bytes
// the frame used and whether a frame was found. Without requireTerminator a
// message lacking its trailing newline is accepted as the rest of buf.
func ParseFrame(buf []byte, requireTerminator bool) (Frame, int, bool) {
	keyEnd := bytes.IndexByte(buf, '\n')
	if keyEnd < 0 {
		return Frame{}, 0, false
	}
	rest := buf[keyEnd+1:]

	msgEnd := bytes.IndexByte(rest, '\n')
	if msgEnd < 0 {
		if requireTerminator {
			return Frame{}, 0, false
		}
		return Frame{Key: buf[:keyEnd], Message: rest}, len(buf), true
	}
	return Frame{Key: buf[:keyEnd], Message: rest[:msgEnd]}, keyEnd + 1 + msgEnd + 1, true
}

// Options configures a Handler.
type Options struct {
	Mode         FramingMode
	MaxFrameSize int
	// Delay is consulted once per reply; nil means no delay.
	Delay DelayFunc
	// Sleep defaults to time.Sleep.
	Sleep  func(time.Duration)
	Logger *slog.Logger
}

// Handler encrypts each frame with its key and replies with the ciphertext.
// It runs on the event loop goroutine and sleeps there before each reply,
// so a delay holds up every other connection for its duration.
type Handler struct {
	mode         FramingMode
	maxFrameSize int
	delay        DelayFunc
	sleep        func(time.Duration)
	log          *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		mode:         opts.Mode,
		maxFrameSize: opts.MaxFrameSize,
		delay:        opts.Delay,
		sleep:        opts.Sleep,
		log:          opts.Logger,
	}
	if h.maxFrameSize <= 0 {
		h.maxFrameSize = DefaultMaxFrameSize
	}
	if h.sleep == nil {
		h.sleep = time.Sleep
	}
	if h.log == nil {
		h.log = logger.With("component", "line")
	}
	return h
}

// HandleData implements core.ConnectionHandler. data is only valid for the
// duration of the call.
func (h *Handler) HandleData(conn *registry.Conn, data []byte) ([][]byte, error) {
	if h.mode == FramingLegacy {
		frame, _, ok := ParseFrame(data, false)
		if !ok {
			h.log.Debug("Dropping read without key terminator", "fd", conn.FD, "conn_id", conn.ID, "bytes", len(data))
			return nil, nil
		}
		if reply, ok := h.reply(conn, frame); ok {
			return [][]byte{reply}, nil
		}
		return nil, nil
	}

	conn.Inbound = append(conn.Inbound, data...)

	var replies [][]byte
	for {
		frame, used, ok := ParseFrame(conn.Inbound, true)
		if !ok {
			break
		}
		if reply, ok := h.reply(conn, frame); ok {
			replies = append(replies, reply)
		}
		conn.Inbound = conn.Inbound[used:]
	}

	if len(conn.Inbound) == 0 {
		conn.Inbound = nil
	} else if len(conn.Inbound) > h.maxFrameSize {
		return replies, fmt.Errorf("%w: %d bytes pending (limit %d)", ErrFrameTooLarge, len(conn.Inbound), h.maxFrameSize)
	}
	return replies, nil
}

// reply encrypts one frame. Frames with an unusable key are rejected
// without a reply; the connection stays open.
func (h *Handler) reply(conn *registry.Conn, frame Frame) ([]byte, bool) {
	ciphertext, err := cipher.Transform(frame.Message, frame.Key, true)
	if err != nil {
		h.log.Warn("Rejecting frame", "fd", conn.FD, "conn_id", conn.ID, "error", err)
		return nil, false
	}
	h.log.Info("Received message", "fd", conn.FD, "conn_id", conn.ID, "message", string(frame.Message), "key", string(frame.Key))

	if h.delay != nil {
		if d := h.delay(); d > 0 {
			h.sleep(d)
		}
	}

	h.log.Info("Sending encrypted message", "fd", conn.FD, "conn_id", conn.ID, "ciphertext", string(ciphertext))
	return ciphertext, true
}
