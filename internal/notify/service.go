// Package notify delivers push notifications to a webhook endpoint through a
// bounded async pipeline: queue, worker pool, rate limiter, retry with
// backoff. Enqueueing never blocks the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"maestro/internal/config"
	"maestro/internal/runtime/supervisor"
	"maestro/pkg/logx"
)

// Credentials identify the caller to the webhook service. They come from the
// environment, not the config file.
type Credentials struct {
	UID   string
	Token string
}

func (c Credentials) complete() bool {
	return strings.TrimSpace(c.UID) != "" && strings.TrimSpace(c.Token) != ""
}

// Message is one queued notification.
type Message struct {
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Tag     string    `json:"tag,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier is the surface the scheduler and executor depend on.
type Notifier interface {
	Notify(title, content, tag string) bool
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(string, string, string) bool { return false }

const (
	defaultQueueSize   = 64
	defaultWorkers     = 2
	defaultMaxAttempts = 3
	defaultTimeout     = 10 * time.Second
	defaultRatePerMin  = 30
	historySize        = 100
)

type Service struct {
	cfg   config.NotifyConfig
	creds Credentials
	log   logx.Logger

	enabled bool
	queue   chan Message
	limiter *rate.Limiter
	client  *http.Client
	timeout time.Duration

	sup *supervisor.Supervisor

	mu       sync.Mutex
	history  []Message
	sent     uint64
	failed   uint64
	dropped  uint64
	started  bool
	warnOnce sync.Once
}

func New(cfg config.NotifyConfig, creds Credentials, log logx.Logger) *Service {
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	perMin := cfg.RatePerMinute
	if perMin <= 0 {
		perMin = defaultRatePerMin
	}
	timeout, err := config.ParseDurationOrDefault("notify.timeout", cfg.Timeout, defaultTimeout)
	if err != nil {
		timeout = defaultTimeout
	}

	s := &Service{
		cfg:     cfg,
		creds:   creds,
		log:     log.With(logx.String("comp", "notify")),
		enabled: cfg.Enabled && creds.complete() && strings.TrimSpace(cfg.BaseURL) != "",
		queue:   make(chan Message, qs),
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 3),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
	if cfg.Enabled && !s.enabled {
		s.log.Warn("notifications configured but disabled (missing credentials or base_url)")
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if !s.enabled {
		return
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < workers; i++ {
		s.sup.GoRestart("notify.worker", s.workerLoop, supervisor.WithPublishFirstError(true))
	}
}

func (s *Service) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	_ = s.sup.Stop(ctx)
}

// Notify enqueues a notification. It returns false when notifications are
// disabled or the queue is full; it never blocks.
func (s *Service) Notify(title, content, tag string) bool {
	if !s.enabled {
		s.warnOnce.Do(func() {
			s.log.Debug("notification skipped (disabled)", logx.String("title", title))
		})
		return false
	}
	msg := Message{Title: title, Content: content, Tag: tag, At: time.Now()}
	select {
	case s.queue <- msg:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("notification dropped (queue full)", logx.String("title", title))
		return false
	}
}

// Snapshot reports pipeline counters for status output.
type Snapshot struct {
	Enabled bool      `json:"enabled"`
	Queued  int       `json:"queued"`
	Sent    uint64    `json:"sent"`
	Failed  uint64    `json:"failed"`
	Dropped uint64    `json:"dropped"`
	Recent  []Message `json:"recent,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := make([]Message, len(s.history))
	copy(recent, s.history)
	return Snapshot{
		Enabled: s.enabled,
		Queued:  len(s.queue),
		Sent:    s.sent,
		Failed:  s.failed,
		Dropped: s.dropped,
		Recent:  recent,
	}
}

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			s.deliver(ctx, msg)
		}
	}
}

func (s *Service) deliver(ctx context.Context, msg Message) {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.post(ctx, msg)
		if err == nil {
			s.mu.Lock()
			s.sent++
			s.history = append(s.history, msg)
			if len(s.history) > historySize {
				s.history = s.history[len(s.history)-historySize:]
			}
			s.mu.Unlock()
			s.log.Debug("notification sent",
				logx.String("title", msg.Title),
				logx.Int("attempt", attempt))
			return
		}
		if attempt == maxAttempts {
			break
		}
		// Exponential backoff with jitter between attempts.
		wait := time.Duration(1<<uint(attempt-1)) * time.Second
		wait += time.Duration(rand.Int63n(int64(wait/2) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	s.log.Error("notification delivery failed",
		logx.String("title", msg.Title),
		logx.Int("attempts", maxAttempts),
		logx.Err(err))
}

func (s *Service) post(ctx context.Context, msg Message) error {
	payload := map[string]string{
		"uid":     s.creds.UID,
		"token":   s.creds.Token,
		"title":   msg.Title,
		"content": msg.Content,
	}
	if msg.Tag != "" {
		payload["tag"] = msg.Tag
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, s.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
