// Package debounce keeps one delayed reset per topic. Every new event for a topic
// publishes immediately and restarts that topic's reset window from zero.
package debounce

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Publisher sends one payload to one topic
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// pendingReset is an armed, not yet fired reset of a topic
type pendingReset struct {
	topic   string
	payload string
	armedAt time.Time
	timer   *time.Timer
}

// Scheduler owns the topic -> pending reset table. All reads and writes of the
// table, from Arm as well as from timer callbacks, happen under mu.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingReset
	// Arm calls with a delay that are still publishing, per topic
	arming  map[string]int
	stopped bool

	pub Publisher
	log *zap.Logger

	// in-flight publishes, active and reset
	wg sync.WaitGroup
}

// NewScheduler creates an empty Scheduler
func NewScheduler(pub Publisher, log *zap.Logger) *Scheduler {
	return &Scheduler{
		pending: make(map[string]*pendingReset),
		arming:  make(map[string]int),
		pub:     pub,
		log:     log,
	}
}

// Arm publishes active to topic, cancels the topic's pending reset if any and,
// when delay > 0, schedules reset to be published after delay. It reports
// whether the topic was already active, meaning it had an armed reset or another
// Arm with a delay was still publishing for it. The publish error is logged and
// returned, it never prevents the rescheduling. A stopped Scheduler publishes
// nothing.
func (s *Scheduler) Arm(ctx context.Context, topic, active, reset string, delay time.Duration) (bool, error) {
	const op = errors.Op("debounce_arm")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false, errors.E(op, errors.Str("scheduler stopped"))
	}
	_, hadPending := s.pending[topic]
	hadPending = hadPending || s.arming[topic] > 0
	if delay > 0 {
		s.arming[topic]++
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	var pubErr error
	if err := s.pub.Publish(ctx, topic, active); err != nil {
		s.log.Error("failed publishing", zap.String("topic", topic), zap.Error(err))
		pubErr = errors.E(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if delay > 0 {
		s.arming[topic]--
		if s.arming[topic] == 0 {
			delete(s.arming, topic)
		}
	}

	if pr, ok := s.pending[topic]; ok {
		pr.timer.Stop()
		delete(s.pending, topic)
		s.log.Debug("reset canceled", zap.String("topic", topic), zap.Time("armed_at", pr.armedAt))
	}

	if delay <= 0 {
		return hadPending, pubErr
	}

	if s.stopped {
		s.log.Debug("scheduler stopped, reset not scheduled", zap.String("topic", topic))
		return hadPending, pubErr
	}

	pr := &pendingReset{
		topic:   topic,
		payload: reset,
		armedAt: time.Now(),
	}
	pr.timer = time.AfterFunc(delay, func() { s.fire(pr) })
	s.pending[topic] = pr

	s.log.Debug("reset scheduled", zap.String("topic", topic), zap.Duration("delay", delay))

	return hadPending, pubErr
}

// fire runs on the timer goroutine. A reset whose entry was canceled or replaced
// while the timer was already running does nothing.
func (s *Scheduler) fire(pr *pendingReset) {
	s.mu.Lock()
	if s.pending[pr.topic] != pr {
		s.mu.Unlock()
		return
	}
	delete(s.pending, pr.topic)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	s.log.Info("resetting topic", zap.String("topic", pr.topic))
	err := s.pub.Publish(context.Background(), pr.topic, pr.payload)
	if err != nil {
		s.log.Error("failed publishing reset", zap.String("topic", pr.topic), zap.Error(err))
	}
}

// Pending reports whether topic has an armed reset
func (s *Scheduler) Pending(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[topic]
	return ok
}

// PendingSince returns when the pending reset of topic was armed
func (s *Scheduler) PendingSince(topic string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.pending[topic]
	if !ok {
		return time.Time{}, false
	}

	return pr.armedAt, true
}

// Topics lists topics with an armed reset, sorted
func (s *Scheduler) Topics() []string {
	s.mu.Lock()
	topics := make([]string, 0, len(s.pending))
	for topic := range s.pending {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	sort.Strings(topics)
	return topics
}

// Fire publishes the pending reset of topic right away. It returns false if the
// topic had nothing armed.
func (s *Scheduler) Fire(ctx context.Context, topic string) (bool, error) {
	const op = errors.Op("debounce_fire")

	s.mu.Lock()
	pr, ok := s.pending[topic]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	pr.timer.Stop()
	delete(s.pending, topic)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	s.log.Info("resetting topic on request", zap.String("topic", topic))
	err := s.pub.Publish(ctx, topic, pr.payload)
	if err != nil {
		return true, errors.E(op, err)
	}

	return true, nil
}

// Stop cancels every pending reset, refuses new Arm calls and waits for
// publishes that are already in flight.
func (s *Scheduler) Stop(ctx context.Context) error {
	const op = errors.Op("debounce_stop")

	s.mu.Lock()
	s.stopped = true
	for topic, pr := range s.pending {
		pr.timer.Stop()
		delete(s.pending, topic)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.E(op, ctx.Err())
	}
}
