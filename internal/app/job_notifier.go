package app

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounceMs         = 200
	defaultNotifyPollInterval = 10 * time.Second
)

// JobNotification announces newly inserted pending jobs.
type JobNotification struct {
	JobIDs []int64
}

// PendingJobFeed is the slice of JobStore the notifier reads.
type PendingJobFeed interface {
	PendingJobIDsAfter(ctx context.Context, afterID int64) ([]int64, error)
	MaxJobID(ctx context.Context) (int64, error)
}

// Subscription is a cancellable handle on the new-job feed. Read C until Stop.
type Subscription struct {
	C <-chan JobNotification

	ch       chan JobNotification
	n        *JobNotifier
	stopOnce sync.Once
}

// Stop detaches the subscription. Safe to call more than once.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		if s.n != nil {
			s.n.unsubscribe(s)
		}
	})
}

// JobNotifier watches the notify signal file and tells subscribers when pending
// jobs appear that it has not announced before. Delivery is best-effort: a slow
// subscriber misses notifications, and fsnotify may be unavailable, so
// consumers must still poll.
type JobNotifier struct {
	signalPath   string
	feed         PendingJobFeed
	logger       *log.Logger
	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	lastRev       string
	lastSeenID    int64
	debounceTimer *time.Timer
	subs          map[*Subscription]struct{}
	checkMu       sync.Mutex // serializes check so one insert is announced once

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// JobNotifierOption configures the notifier.
type JobNotifierOption func(*JobNotifier)

// WithNotifyPollInterval sets how often the signal file revision is re-read
// when fsnotify misses an event.
func WithNotifyPollInterval(d time.Duration) JobNotifierOption {
	return func(n *JobNotifier) { n.pollInterval = d }
}

// WithDebounce sets the delay between a signal write and the check it triggers.
func WithDebounce(d time.Duration) JobNotifierOption {
	return func(n *JobNotifier) { n.debounceMs = int(d / time.Millisecond) }
}

// NewJobNotifier creates a notifier over the signal file at signalPath.
func NewJobNotifier(signalPath string, feed PendingJobFeed, logger *log.Logger, opts ...JobNotifierOption) *JobNotifier {
	n := &JobNotifier{
		signalPath:   signalPath,
		feed:         feed,
		logger:       logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultNotifyPollInterval,
		subs:         make(map[*Subscription]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Subscribe returns a new subscription. Each notification is delivered to
// every subscriber whose buffer has room.
func (n *JobNotifier) Subscribe() *Subscription {
	ch := make(chan JobNotification, 1)
	s := &Subscription{C: ch, ch: ch, n: n}
	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	return s
}

func (n *JobNotifier) unsubscribe(s *Subscription) {
	n.mu.Lock()
	delete(n.subs, s)
	n.mu.Unlock()
}

// Start records the current high-water job id, then watches the signal file
// with a fallback revision poll. Returns when ctx is cancelled or Stop is called.
// If fsnotify fails to initialize, falls back to poll-only mode.
func (n *JobNotifier) Start(ctx context.Context) {
	n.mu.Lock()
	n.started = true
	n.lastRev = n.readSignalRevision()
	n.mu.Unlock()
	defer close(n.doneCh)

	if maxID, err := n.feed.MaxJobID(ctx); err != nil {
		n.logger.Printf("JobNotifier: read max job id: %v", err)
	} else {
		n.mu.Lock()
		n.lastSeenID = maxID
		n.mu.Unlock()
	}

	watchDir := filepath.Dir(n.signalPath)
	signalName := filepath.Base(n.signalPath)
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		n.logger.Printf("JobNotifier: create %s: %v", watchDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		n.logger.Printf("JobNotifier: fsnotify init failed (%v), using poll-only", err)
	} else if err := watcher.Add(watchDir); err != nil {
		n.logger.Printf("JobNotifier: fsnotify add %s failed (%v), using poll-only", watchDir, err)
		_ = watcher.Close()
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		go n.watchLoop(ctx, watcher, signalName)
	}

	n.pollLoop(ctx)
}

// Stop signals the notifier to stop and waits for Start to return.
func (n *JobNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.mu.Lock()
	started := n.started
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.mu.Unlock()
	if started {
		<-n.doneCh
	}
}

// CheckOnce runs one check cycle regardless of the signal revision.
func (n *JobNotifier) CheckOnce(ctx context.Context) {
	n.check(ctx)
}

func (n *JobNotifier) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, signalName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			n.triggerDebounced(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			n.logger.Printf("JobNotifier: watcher error: %v", err)
		}
	}
}

func (n *JobNotifier) triggerDebounced(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.debounceTimer = time.AfterFunc(time.Duration(n.debounceMs)*time.Millisecond, func() {
		n.check(ctx)
	})
}

func (n *JobNotifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			rev := n.readSignalRevision()
			n.mu.Lock()
			changed := rev != "" && rev != n.lastRev
			n.mu.Unlock()
			if changed {
				n.check(ctx)
			}
		}
	}
}

func (n *JobNotifier) check(ctx context.Context) {
	n.checkMu.Lock()
	defer n.checkMu.Unlock()
	select {
	case <-n.stopCh:
		return
	default:
	}

	rev := n.readSignalRevision()
	n.mu.Lock()
	after := n.lastSeenID
	n.mu.Unlock()

	ids, err := n.feed.PendingJobIDsAfter(ctx, after)
	if err != nil {
		n.logger.Printf("JobNotifier: list pending jobs: %v", err)
		return
	}

	n.mu.Lock()
	n.lastRev = rev
	if len(ids) == 0 {
		n.mu.Unlock()
		return
	}
	n.lastSeenID = ids[len(ids)-1]
	subs := make([]*Subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	note := JobNotification{JobIDs: ids}
	for _, s := range subs {
		select {
		case s.ch <- note:
		default:
		}
	}
}

func (n *JobNotifier) readSignalRevision() string {
	data, err := os.ReadFile(n.signalPath)
	if err != nil {
		return ""
	}
	return string(data)
}
