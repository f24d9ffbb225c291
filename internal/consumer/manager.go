// Package consumer pushes messages to webhook subscribers.
//
// Each subscription owns a delivery loop that long-polls one queue through
// the broker, POSTs every leased message to the subscriber URL and acks it
// when the endpoint answers 2xx. Any other outcome leaves the lease in place,
// so the message becomes visible again once its invisible duration ends and
// counts toward the queue's delivery attempt limit.
//
// Endpoints are guarded by one circuit breaker per URL. While a breaker is
// open the loops targeting that URL stop popping, so an unreachable
// subscriber does not burn delivery attempts.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/node"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidSubscription  = errors.New("consumer: invalid subscription")
	ErrClosed               = errors.New("consumer: manager closed")
)

// errorBackoff is how long a loop pauses after a failed pop, and how often it
// re-checks an open breaker.
const errorBackoff = time.Second

// Broker is the slice of the broker a delivery loop needs.
type Broker interface {
	Pop(ctx context.Context, req broker.PopRequest) (*broker.PopResponse, error)
	Ack(ctx context.Context, receipt string) (*broker.AckResponse, error)
	TopicStats(ctx context.Context, name string) (*broker.TopicStats, error)
}

// Config tunes delivery. Zero fields take the DefaultConfig value.
type Config struct {
	// Timeout bounds one POST, including the subscriber's response.
	Timeout time.Duration
	// Wait is the long-poll wait of each pop.
	Wait      time.Duration
	BatchSize int
	// Failures is the number of consecutive failed POSTs that open an
	// endpoint's breaker; OpenTimeout is how long it stays open.
	Failures    uint32
	OpenTimeout time.Duration
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		Wait:        5 * time.Second,
		BatchSize:   10,
		Failures:    5,
		OpenTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Wait < 0 {
		c.Wait = 0
	}
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.Failures < 1 {
		c.Failures = d.Failures
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

// SubscribeRequest registers a webhook on one queue of a topic.
type SubscribeRequest struct {
	Topic string
	Queue int32
	// Group is recorded for observability; leases are per queue.
	Group string
	URL   string
	// Secret, when set, signs every POST body with HMAC-SHA256.
	Secret string
	// InvisibleDuration is the lease each delivery takes. 0 = queue default.
	InvisibleDuration time.Duration
}

// Subscription is a registered webhook.
type Subscription struct {
	ID                  string `json:"id"`
	Topic               string `json:"topic"`
	Queue               int32  `json:"queue"`
	Group               string `json:"group,omitempty"`
	URL                 string `json:"url"`
	InvisibleDurationMs int64  `json:"invisible_duration_ms,omitempty"`
	CreatedAt           int64  `json:"created_at"`

	secret string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics attaches the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithHTTPClient replaces the client used for POSTs.
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// Manager owns every webhook subscription and its delivery loop.
//
// All methods are safe for concurrent use.
type Manager struct {
	broker  Broker
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	subs     map[string]*Subscription
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a Manager that delivers from b.
func NewManager(b Broker, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		broker:   b,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		subs:     make(map[string]*Subscription),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range opts {
		o(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: m.cfg.Timeout}
	}
	return m
}

// Register validates req, starts its delivery loop and returns the new
// subscription.
func (m *Manager) Register(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	if err := validURL(req.URL); err != nil {
		return Subscription{}, err
	}
	if req.InvisibleDuration < 0 {
		return Subscription{}, fmt.Errorf("%w: invisible duration must be >= 0", ErrInvalidSubscription)
	}
	st, err := m.broker.TopicStats(ctx, req.Topic)
	if err != nil {
		return Subscription{}, err
	}
	if req.Queue < 0 || int(req.Queue) >= len(st.Queues) {
		return Subscription{}, fmt.Errorf("%w: %s has %d queues, got %d",
			broker.ErrQueueOutOfRange, req.Topic, len(st.Queues), req.Queue)
	}

	id, err := node.NewID()
	if err != nil {
		return Subscription{}, fmt.Errorf("consumer: generate subscription ID: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:                  id,
		Topic:               req.Topic,
		Queue:               req.Queue,
		Group:               req.Group,
		URL:                 req.URL,
		InvisibleDurationMs: req.InvisibleDuration.Milliseconds(),
		CreatedAt:           time.Now().UnixMilli(),
		secret:              req.Secret,
		cancel:              cancel,
		done:                make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Subscription{}, ErrClosed
	}
	m.subs[id] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	go m.deliveryLoop(loopCtx, sub, req.InvisibleDuration)
	m.logger.Info("subscription registered",
		"id", id, "topic", req.Topic, "queue", req.Queue, "group", req.Group, "url", req.URL)
	return sub.info(), nil
}

// Deregister stops a subscription. It returns once the delivery loop has
// exited, so no further POSTs are made for it.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	<-sub.done
	m.logger.Info("subscription deregistered", "id", id)
	return nil
}

// Get returns one subscription.
func (m *Manager) Get(id string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return sub.info(), nil
}

// List returns the subscriptions of topicName ordered by ID, or every
// subscription when topicName is empty.
func (m *Manager) List(topicName string) []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if topicName == "" || sub.Topic == topicName {
			out = append(out, sub.info())
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Subscription) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// DeregisterTopic stops every subscription of topicName and returns how many
// were removed.
func (m *Manager) DeregisterTopic(topicName string) int {
	n := 0
	for _, sub := range m.List(topicName) {
		if m.Deregister(sub.ID) == nil {
			n++
		}
	}
	return n
}

// Close stops every delivery loop and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	m.wg.Wait()
}

// breaker returns the breaker for endpoint, creating it on first use.
// Subscriptions posting to the same URL share it.
func (m *Manager) breaker(endpoint string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[endpoint]; ok {
		return cb
	}
	failures := m.cfg.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     m.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("webhook circuit breaker state changed",
				"endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	m.breakers[endpoint] = cb
	return cb
}

func (s *Subscription) info() Subscription {
	return Subscription{
		ID:                  s.ID,
		Topic:               s.Topic,
		Queue:               s.Queue,
		Group:               s.Group,
		URL:                 s.URL,
		InvisibleDurationMs: s.InvisibleDurationMs,
		CreatedAt:           s.CreatedAt,
	}
}

func validURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSubscription)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an http or https URL", ErrInvalidSubscription)
	}
	return nil
}
