package app

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// lockedEvents is a goroutine-safe EventSink for timer-driven tests.
type lockedEvents struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (l *lockedEvents) AppendEvent(_ context.Context, ev *domain.SessionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *ev)
	return nil
}

func (l *lockedEvents) terminal() []domain.TerminalOutput {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.TerminalOutput
	for _, ev := range l.events {
		if p, ok := ev.Payload.(domain.TerminalOutput); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestOutputStreamerSizeThreshold(t *testing.T) {
	sink := &lockedEvents{}
	s := NewOutputStreamer(sink, discardLogger(), WithMaxBufferBytes(8))

	s.Write(t.Context(), "s", "c1", "stdout", []byte("1234"))
	if n := len(sink.terminal()); n != 0 {
		t.Fatalf("flushed below threshold: %d events", n)
	}
	s.Write(t.Context(), "s", "c1", "stdout", []byte("5678"))
	got := sink.terminal()
	if len(got) != 1 || got[0].Content != "12345678" || got[0].IsFinal {
		t.Fatalf("events = %+v", got)
	}
}

func TestOutputStreamerFinalFlushKeepsPartialData(t *testing.T) {
	sink := &lockedEvents{}
	s := NewOutputStreamer(sink, discardLogger(), WithMaxBufferBytes(1024))

	w := s.Writer(t.Context(), "s", "c1", "stdout")
	_, _ = io.WriteString(w, "partial ")
	_, _ = io.WriteString(w, "line")
	s.Write(t.Context(), "s", "c1", "stderr", []byte("warn"))
	s.End(t.Context(), "s", "c1")

	got := sink.terminal()
	if len(got) != 2 {
		t.Fatalf("events = %+v", got)
	}
	for _, p := range got {
		if !p.IsFinal {
			t.Errorf("final flush not marked: %+v", p)
		}
	}
	if got[0].Stream != "stdout" || got[0].Content != "partial line" {
		t.Errorf("stdout = %+v", got[0])
	}
	if s.BufferedKeys() != 0 {
		t.Errorf("buffers left after End: %d", s.BufferedKeys())
	}
}

func TestOutputStreamerTimerFlush(t *testing.T) {
	sink := &lockedEvents{}
	s := NewOutputStreamer(sink, discardLogger(), WithFlushInterval(20*time.Millisecond))
	go s.Start(t.Context())
	defer s.Stop()

	s.Write(t.Context(), "s", "c1", "stdout", []byte("tick"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.terminal(); len(got) == 1 {
			if got[0].Content != "tick" || got[0].IsFinal {
				t.Fatalf("event = %+v", got[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer never flushed")
}

func TestOutputStreamerPreservesAllBytes(t *testing.T) {
	sink := &lockedEvents{}
	s := NewOutputStreamer(sink, discardLogger(), WithMaxBufferBytes(10))
	var want strings.Builder
	for i := 0; i < 25; i++ {
		chunk := strings.Repeat(string(rune('a'+i%26)), 3)
		want.WriteString(chunk)
		s.Write(t.Context(), "s", "c", "stdout", []byte(chunk))
	}
	s.End(t.Context(), "s", "c", "stdout")
	var got strings.Builder
	for _, p := range sink.terminal() {
		got.WriteString(p.Content)
	}
	if got.String() != want.String() {
		t.Fatalf("got %q, want %q", got.String(), want.String())
	}
}

func TestOutputStreamerCleanup(t *testing.T) {
	sink := &lockedEvents{}
	s := NewOutputStreamer(sink, discardLogger())
	s.Write(t.Context(), "a", "c", "stdout", []byte("x"))
	s.Write(t.Context(), "b", "c", "stdout", []byte("y"))
	s.Cleanup("a")
	if s.BufferedKeys() != 1 {
		t.Fatalf("buffers = %d, want 1", s.BufferedKeys())
	}
	if len(sink.terminal()) != 0 {
		t.Fatal("cleanup should not emit")
	}
}
