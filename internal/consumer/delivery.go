package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/metrics"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/topic"
)

// Request headers set on every POST.
const (
	HeaderSignature    = "X-Poplog-Signature"
	HeaderSubscription = "X-Poplog-Subscription"
	HeaderAttempt      = "X-Poplog-Attempt"
)

// Payload is the JSON body POSTed to a subscriber.
type Payload struct {
	ID          string            `json:"id"`
	Body        string            `json:"body"` // base64-encoded
	Receipt     string            `json:"receipt"`
	Topic       string            `json:"topic"`
	Queue       int32             `json:"queue"`
	Offset      int64             `json:"offset"`
	Attempts    int32             `json:"attempts"`
	PublishedAt int64             `json:"published_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription, invisible time.Duration) {
	defer m.wg.Done()
	defer close(sub.done)

	cb := m.breaker(sub.URL)
	req := broker.PopRequest{
		Topic:             sub.Topic,
		Queue:             sub.Queue,
		Group:             sub.Group,
		MaxCount:          m.cfg.BatchSize,
		InvisibleDuration: invisible,
		Wait:              m.cfg.Wait,
	}
	for ctx.Err() == nil {
		// Popping while the endpoint is known down would only spend attempts.
		if cb.State() == gobreaker.StateOpen {
			sleep(ctx, errorBackoff)
			continue
		}
		resp, err := m.broker.Pop(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, topic.ErrNotFound) {
				m.forget(sub.ID)
				m.logger.Warn("subscription topic deleted, stopping delivery", "sub", sub.ID, "topic", sub.Topic)
				return
			}
			m.logger.Warn("consumer: pop failed", "sub", sub.ID, "err", err)
			sleep(ctx, errorBackoff)
			continue
		}
		if len(resp.Messages) == 0 && m.cfg.Wait == 0 {
			sleep(ctx, errorBackoff)
			continue
		}
		for _, d := range resp.Messages {
			if ctx.Err() != nil {
				return
			}
			m.deliver(ctx, cb, sub, d)
		}
	}
}

// deliver POSTs one leased message and acks it on success. A failed POST
// leaves the lease to expire.
func (m *Manager) deliver(ctx context.Context, cb *gobreaker.CircuitBreaker, sub *Subscription, d broker.Delivery) {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, m.post(ctx, sub, d)
	})
	if err != nil {
		m.metrics.RecordWebhook(sub.Topic, metrics.OutcomeFailed)
		m.logger.Warn("consumer: delivery failed, lease left to expire",
			"sub", sub.ID, "receipt", d.Receipt, "attempts", d.Attempts, "err", err)
		return
	}

	// The subscriber has the message; ack even if the subscription is being
	// stopped.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeout)
	defer cancel()
	if _, err := m.broker.Ack(ackCtx, d.Receipt); err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, statemachine.ErrStaleLease) {
			outcome = metrics.OutcomeStale
		}
		m.metrics.RecordWebhook(sub.Topic, outcome)
		m.logger.Warn("consumer: delivered but ack failed", "sub", sub.ID, "receipt", d.Receipt, "err", err)
		return
	}
	m.metrics.RecordWebhook(sub.Topic, metrics.OutcomeOK)
}

// post sends d to the subscription URL. It returns nil only on a 2xx answer.
func (m *Manager) post(ctx context.Context, sub *Subscription, d broker.Delivery) error {
	p := Payload{Receipt: d.Receipt, Attempts: d.Attempts}
	if msg := d.Message; msg != nil {
		p.ID = msg.ID
		p.Body = base64.StdEncoding.EncodeToString(msg.Body)
		p.Topic = msg.Topic
		p.Queue = msg.Queue
		p.Offset = msg.Offset
		p.PublishedAt = msg.PublishedAt
		p.Metadata = msg.Metadata
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSubscription, sub.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(int(d.Attempts)))
	if sub.secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// forget drops a subscription whose loop is exiting on its own.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
