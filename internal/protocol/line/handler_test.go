package line

import (
	"errors"
	"testing"
	"time"

	"github.com/hasirciogluhq/xcipher/internal/logger"
	"github.com/hasirciogluhq/xcipher/internal/registry"
)

func newTestHandler(mode FramingMode) *Handler {
	return NewHandler(Options{Mode: mode, Logger: logger.Discard()})
}

func replyStrings(replies [][]byte) []string {
	out := make([]string, len(replies))
	for i, r := range replies {
		out[i] = string(r)
	}
	return out
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name              string
		in                string
		requireTerminator bool
		wantOK            bool
		wantKey, wantMsg  string
		wantUsed          int
	}{
		{"complete", "key\nhello\n", true, true, "key", "hello", 10},
		{"trailing bytes", "key\nhello\nnext", true, true, "key", "hello", 10},
		{"no key terminator", "keyhello", false, false, "", "", 0},
		{"unterminated message required", "key\nhello", true, false, "", "", 0},
		{"unterminated message tolerated", "key\nhello", false, true, "key", "hello", 9},
		{"empty key", "\nhello\n", true, true, "", "hello", 7},
		{"empty message", "key\n\n", true, true, "key", "", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, used, ok := ParseFrame([]byte(tt.in), tt.requireTerminator)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if string(frame.Key) != tt.wantKey || string(frame.Message) != tt.wantMsg || used != tt.wantUsed {
				t.Fatalf("got key=%q msg=%q used=%d, want key=%q msg=%q used=%d",
					frame.Key, frame.Message, used, tt.wantKey, tt.wantMsg, tt.wantUsed)
			}
		})
	}
}

func TestBufferedFragmentedFrame(t *testing.T) {
	h := newTestHandler(FramingBuffered)
	conn := &registry.Conn{FD: 5}

	for _, part := range []string{"ke", "y\nHello, ", "World!"} {
		replies, err := h.HandleData(conn, []byte(part))
		if err != nil {
			t.Fatal(err)
		}
		if len(replies) != 0 {
			t.Fatalf("reply sent before frame was complete: %q", replyStrings(replies))
		}
	}

	replies, err := h.HandleData(conn, []byte("\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := replyStrings(replies); len(got) != 1 || got[0] != "Rijvs, Uyvjn!" {
		t.Fatalf("replies = %q", got)
	}
	if conn.Inbound != nil {
		t.Fatalf("inbound buffer not released: %q", conn.Inbound)
	}
}

func TestBufferedPipelinedFrames(t *testing.T) {
	h := newTestHandler(FramingBuffered)
	conn := &registry.Conn{FD: 5}

	replies, err := h.HandleData(conn, []byte("bc\naaaa\nb\nabc\nkey\npart"))
	if err != nil {
		t.Fatal(err)
	}
	got := replyStrings(replies)
	if len(got) != 2 || got[0] != "bcbc" || got[1] != "bcd" {
		t.Fatalf("replies = %q", got)
	}
	if string(conn.Inbound) != "key\npart" {
		t.Fatalf("pending = %q", conn.Inbound)
	}
}

func TestBufferedRejectsBadKeyButContinues(t *testing.T) {
	h := newTestHandler(FramingBuffered)
	conn := &registry.Conn{FD: 5}

	replies, err := h.HandleData(conn, []byte("\nhello\nk3y\nhello\nb\naaa\n"))
	if err != nil {
		t.Fatalf("bad keys must not close the connection: %v", err)
	}
	if got := replyStrings(replies); len(got) != 1 || got[0] != "bbb" {
		t.Fatalf("replies = %q", got)
	}
}

func TestBufferedFrameTooLarge(t *testing.T) {
	h := NewHandler(Options{MaxFrameSize: 8, Logger: logger.Discard()})
	conn := &registry.Conn{FD: 5}

	if _, err := h.HandleData(conn, []byte("key\n1234")); err != nil {
		t.Fatalf("within limit: %v", err)
	}
	if _, err := h.HandleData(conn, []byte("5")); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
}

func TestLegacyFraming(t *testing.T) {
	h := newTestHandler(FramingLegacy)
	conn := &registry.Conn{FD: 5}

	// A read without the key terminator is dropped and not remembered.
	replies, err := h.HandleData(conn, []byte("ke"))
	if err != nil || len(replies) != 0 {
		t.Fatalf("replies=%q err=%v", replyStrings(replies), err)
	}
	// The next read stands alone: its key is "y", not "key".
	replies, _ = h.HandleData(conn, []byte("y\nabc\n"))
	if got := replyStrings(replies); len(got) != 1 || got[0] != "yza" {
		t.Fatalf("replies = %q, want [yza]", got)
	}

	// An unterminated message is accepted as is.
	replies, _ = h.HandleData(conn, []byte("b\naaa"))
	if got := replyStrings(replies); len(got) != 1 || got[0] != "bbb" {
		t.Fatalf("replies = %q", got)
	}

	// Only the first frame of a read is answered.
	replies, _ = h.HandleData(conn, []byte("b\naaa\nc\naaa\n"))
	if got := replyStrings(replies); len(got) != 1 || got[0] != "bbb" {
		t.Fatalf("replies = %q", got)
	}
	if conn.Inbound != nil {
		t.Fatal("legacy mode must not buffer")
	}
}

func TestDelayAppliedPerReply(t *testing.T) {
	var slept []time.Duration
	h := NewHandler(Options{
		Delay:  func() time.Duration { return 2 * time.Second },
		Sleep:  func(d time.Duration) { slept = append(slept, d) },
		Logger: logger.Discard(),
	})
	conn := &registry.Conn{FD: 5}

	if _, err := h.HandleData(conn, []byte("a\nx\na\ny\n\nz\n")); err != nil {
		t.Fatal(err)
	}
	// Two valid frames, one rejected for its empty key.
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("slept = %v", slept)
	}
}

func TestUniformSeconds(t *testing.T) {
	delay := UniformSeconds(1, 3)
	seen := map[time.Duration]bool{}
	for i := 0; i < 300; i++ {
		d := delay()
		if d != time.Second && d != 2*time.Second && d != 3*time.Second {
			t.Fatalf("delay %s outside {1s,2s,3s}", d)
		}
		seen[d] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all three delays to occur, saw %v", seen)
	}

	if d := UniformRange(0, 0)(); d != 0 {
		t.Fatalf("zero range gave %s", d)
	}
	for i := 0; i < 50; i++ {
		d := UniformRange(10*time.Millisecond, 20*time.Millisecond)()
		if d < 10*time.Millisecond || d > 20*time.Millisecond {
			t.Fatalf("delay %s outside range", d)
		}
	}
}
