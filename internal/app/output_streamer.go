package app

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

const (
	defaultFlushInterval  = 500 * time.Millisecond
	defaultMaxBufferBytes = 4096
)

type outputKey struct {
	sessionID string
	commandID string
	stream    string
}

// OutputStreamer buffers process output per (session, command, stream) and
// emits it as TERMINAL events on a timer, at a size threshold, and at stream end.
// Data is never dropped.
type OutputStreamer struct {
	events   EventSink
	logger   *log.Logger
	interval time.Duration
	maxBytes int

	mu      sync.Mutex
	buffers map[outputKey][]byte
	// emitMu keeps flushes for one key in order.
	emitMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// OutputStreamerOption configures the streamer.
type OutputStreamerOption func(*OutputStreamer)

// WithFlushInterval sets the timer flush cadence.
func WithFlushInterval(d time.Duration) OutputStreamerOption {
	return func(s *OutputStreamer) { s.interval = d }
}

// WithMaxBufferBytes sets the size that forces an immediate flush.
func WithMaxBufferBytes(n int) OutputStreamerOption {
	return func(s *OutputStreamer) { s.maxBytes = n }
}

// NewOutputStreamer creates an OutputStreamer.
func NewOutputStreamer(events EventSink, logger *log.Logger, opts ...OutputStreamerOption) *OutputStreamer {
	s := &OutputStreamer{
		events:   events,
		logger:   logger,
		interval: defaultFlushInterval,
		maxBytes: defaultMaxBufferBytes,
		buffers:  make(map[outputKey][]byte),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the flush timer until Stop.
func (s *OutputStreamer) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.FlushAll(ctx)
		}
	}
}

// Stop halts the timer and flushes what is buffered.
func (s *OutputStreamer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
	}
	s.FlushAll(context.Background())
}

// Write appends output for one stream of one command.
func (s *OutputStreamer) Write(ctx context.Context, sessionID, commandID, stream string, p []byte) {
	if len(p) == 0 {
		return
	}
	key := outputKey{sessionID, commandID, stream}
	s.mu.Lock()
	s.buffers[key] = append(s.buffers[key], p...)
	full := len(s.buffers[key]) >= s.maxBytes
	s.mu.Unlock()
	if full {
		s.flush(ctx, key, false)
	}
}

// Writer adapts one stream to io.Writer for streaming exec.
func (s *OutputStreamer) Writer(ctx context.Context, sessionID, commandID, stream string) io.Writer {
	return &streamWriter{s: s, ctx: ctx, key: outputKey{sessionID, commandID, stream}}
}

type streamWriter struct {
	s   *OutputStreamer
	ctx context.Context
	key outputKey
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.s.Write(w.ctx, w.key.sessionID, w.key.commandID, w.key.stream, p)
	return len(p), nil
}

// End flushes a finished command's streams with IsFinal set and drops them.
func (s *OutputStreamer) End(ctx context.Context, sessionID, commandID string, streams ...string) {
	if len(streams) == 0 {
		streams = []string{"stdout", "stderr"}
	}
	for _, stream := range streams {
		s.flush(ctx, outputKey{sessionID, commandID, stream}, true)
	}
}

// FlushAll emits every non-empty buffer.
func (s *OutputStreamer) FlushAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]outputKey, 0, len(s.buffers))
	for k, b := range s.buffers {
		if len(b) > 0 {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.flush(ctx, k, false)
	}
}

// flush emits and clears one buffer. A final flush emits even when empty so
// observers see the stream close, and removes the key.
func (s *OutputStreamer) flush(ctx context.Context, key outputKey, final bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	data, ok := s.buffers[key]
	if final {
		delete(s.buffers, key)
	} else if len(data) > 0 {
		s.buffers[key] = nil
	}
	s.mu.Unlock()

	if !final && len(data) == 0 {
		return
	}
	if final && !ok {
		return
	}
	payload := domain.TerminalOutput{
		CommandID: key.commandID,
		Stream:    key.stream,
		Content:   string(data),
		IsFinal:   final,
	}
	Emit(ctx, s.events, key.sessionID, payload).LogIfFailed(s.logger, "OutputStreamer")
}

// Cleanup drops every buffer for a session without emitting.
func (s *OutputStreamer) Cleanup(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.buffers {
		if k.sessionID == sessionID {
			delete(s.buffers, k)
		}
	}
}

// BufferedKeys returns the number of live buffers.
func (s *OutputStreamer) BufferedKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}
