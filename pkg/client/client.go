// Package client is the Go SDK for the poplog HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Create a topic with four queues
//	_, err := c.CreateTopic(ctx, "payments", 4)
//
//	// Publish; messages with the same key land on the same queue
//	res, err := c.Publish(ctx, "payments", []byte(`{"amount":42}`), client.WithKey("acct-7"))
//
//	// Pop from queue 0, waiting up to 10s for messages
//	msgs, err := c.Pop(ctx, "payments", 0, client.WithMaxCount(10), client.WithWait(10*time.Second))
//	for _, m := range msgs {
//	    process(m)
//	    c.Ack(ctx, m.Receipt)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the poplog server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
	// Serial is set on a 409 for a stale receipt: the server still logged
	// the request under this serial.
	Serial uint64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("poplog: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether the error is a 409 from the server: the topic
// already exists, or a receipt no longer owns its message.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited reports whether the error is a 429 from the server.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 60 seconds, long
// enough for the server's longest poll.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the poplog API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the poplog server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Publish options ──────────────────────────────────────────────────────────

// PublishOption configures a single Publish call.
type PublishOption func(*publishPayload)

// WithQueue publishes to one specific queue of the topic.
func WithQueue(q int32) PublishOption {
	return func(p *publishPayload) { p.Queue = &q }
}

// WithKey pins the message to the queue its key hashes to.
func WithKey(key string) PublishOption {
	return func(p *publishPayload) { p.Key = key }
}

// WithMetadata attaches user-defined key/value pairs to the message.
func WithMetadata(m map[string]string) PublishOption {
	return func(p *publishPayload) { p.Metadata = m }
}

// ─── Pop options ──────────────────────────────────────────────────────────────

// PopOption configures a single Pop call.
type PopOption func(*popPayload)

// WithGroup names the consumer group issuing the pop.
func WithGroup(g string) PopOption {
	return func(p *popPayload) { p.Group = g }
}

// WithMaxCount caps the number of messages returned.
func WithMaxCount(n int) PopOption {
	return func(p *popPayload) { p.MaxCount = n }
}

// WithMaxBytes caps the total body bytes returned.
func WithMaxBytes(n int64) PopOption {
	return func(p *popPayload) { p.MaxBytes = n }
}

// WithInvisibleDuration sets how long popped messages stay leased.
func WithInvisibleDuration(d time.Duration) PopOption {
	return func(p *popPayload) { p.InvisibleDurationMs = d.Milliseconds() }
}

// WithWait long-polls for up to d when nothing is visible.
func WithWait(d time.Duration) PopOption {
	return func(p *popPayload) { p.WaitMs = d.Milliseconds() }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is a message received from Pop or PeekDLQ.
type Message struct {
	// ID is the ULID assigned at publish time.
	ID string

	// Body is the raw message payload decoded from base64.
	Body []byte

	// Receipt must be passed to Ack or ChangeInvisibleDuration. It is empty
	// for messages returned by PeekDLQ.
	Receipt string

	// Topic, Queue and Offset identify where the message lives.
	Topic  string
	Queue  int32
	Offset int64

	// Attempts is how many times the message has been delivered, this one
	// included.
	Attempts int32

	// InvisibleUntil is when the lease expires.
	InvisibleUntil time.Time

	// PublishedAt is when the message was originally published (UTC).
	PublishedAt time.Time

	// Metadata holds the user-defined key/value pairs set at publish time.
	Metadata map[string]string
}

// Topic is a named set of queues.
type Topic struct {
	Name      string
	Queues    int32
	CreatedAt time.Time
}

// PublishResult locates a published message.
type PublishResult struct {
	ID     string `json:"id"`
	Queue  int32  `json:"queue"`
	Offset int64  `json:"offset"`
}

// AckResult is returned by Ack. Duplicate is set when the message had
// already been acknowledged with the same receipt.
type AckResult struct {
	Serial    uint64 `json:"serial"`
	Duplicate bool   `json:"duplicate"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status string
	NodeID string
	Topics int
	Queues int
	Uptime time.Duration
}

// QueueStats is the consumption state of one queue.
type QueueStats struct {
	Queue         int32  `json:"queue"`
	Ready         bool   `json:"ready"`
	Visible       int64  `json:"visible"`
	InFlight      int64  `json:"in_flight"`
	ConsumeOffset int64  `json:"consume_offset"`
	EndOffset     int64  `json:"end_offset"`
	LastSerial    uint64 `json:"last_serial"`
	Counters      struct {
		Popped      uint64 `json:"popped"`
		Redelivered uint64 `json:"redelivered"`
		Acked       uint64 `json:"acked"`
		Dead        uint64 `json:"dead"`
		Changed     uint64 `json:"changed"`
		Stale       uint64 `json:"stale"`
	} `json:"counters"`
}

// TopicStats aggregates a topic's queues.
type TopicStats struct {
	Topic    string       `json:"topic"`
	Visible  int64        `json:"visible"`
	InFlight int64        `json:"in_flight"`
	DLQDepth int64        `json:"dlq_depth"`
	Queues   []QueueStats `json:"queues"`
}

// Subscription is a webhook registered on one queue of a topic.
type Subscription struct {
	ID                  string `json:"id"`
	Topic               string `json:"topic"`
	Queue               int32  `json:"queue"`
	Group               string `json:"group,omitempty"`
	URL                 string `json:"url"`
	InvisibleDurationMs int64  `json:"invisible_duration_ms,omitempty"`
	CreatedAt           int64  `json:"created_at"`
}

// SubscribeOptions are the optional parts of a webhook subscription.
type SubscribeOptions struct {
	Group string
	// Secret, when set, makes the server sign each POST body with
	// HMAC-SHA256 in the X-Poplog-Signature header.
	Secret            string
	InvisibleDuration time.Duration
}

// ─── Message operations ───────────────────────────────────────────────────────

// Publish sends a single message to the named topic.
func (c *Client) Publish(ctx context.Context, topic string, body []byte, opts ...PublishOption) (*PublishResult, error) {
	p := &publishPayload{Body: base64.StdEncoding.EncodeToString(body)}
	for _, o := range opts {
		o(p)
	}
	var resp PublishResult
	path := fmt.Sprintf("/topics/%s/messages", url.PathEscape(topic))
	if err := c.do(ctx, http.MethodPost, path, p, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pop leases messages from one queue of a topic. Returns an empty slice (not
// an error) when nothing is visible.
func (c *Client) Pop(ctx context.Context, topic string, queue int32, opts ...PopOption) ([]*Message, error) {
	p := &popPayload{}
	for _, o := range opts {
		o(p)
	}
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	path := fmt.Sprintf("/topics/%s/queues/%d/pop", url.PathEscape(topic), queue)
	if err := c.do(ctx, http.MethodPost, path, p, &resp); err != nil {
		return nil, err
	}
	return toMessages(resp.Messages)
}

// Ack acknowledges successful processing of a leased message. Retrying with
// the same receipt is safe.
func (c *Client) Ack(ctx context.Context, receipt string) (*AckResult, error) {
	var resp AckResult
	path := fmt.Sprintf("/receipts/%s/ack", url.PathEscape(receipt))
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangeInvisibleDuration extends or shortens a lease, counted from now. Zero
// makes the message visible again straight away.
func (c *Client) ChangeInvisibleDuration(ctx context.Context, receipt string, d time.Duration) (time.Time, error) {
	var resp struct {
		InvisibleUntil time.Time `json:"invisible_until"`
	}
	path := fmt.Sprintf("/receipts/%s/invisible", url.PathEscape(receipt))
	body := map[string]int64{"duration_ms": d.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.InvisibleUntil, nil
}

// ─── Topic management ─────────────────────────────────────────────────────────

// CreateTopic registers a topic with the given number of queues.
// Returns an *APIError with StatusCode 409 if the topic already exists.
func (c *Client) CreateTopic(ctx context.Context, name string, queues int32) (*Topic, error) {
	var resp wireTopic
	body := map[string]any{"name": name, "queues": queues}
	if err := c.do(ctx, http.MethodPost, "/topics", body, &resp); err != nil {
		return nil, err
	}
	return resp.toTopic(), nil
}

// ListTopics returns every registered topic sorted by name, dead-letter
// topics included.
func (c *Client) ListTopics(ctx context.Context) ([]*Topic, error) {
	var resp struct {
		Topics []wireTopic `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Topic, len(resp.Topics))
	for i := range resp.Topics {
		out[i] = resp.Topics[i].toTopic()
	}
	return out, nil
}

// DeleteTopic removes a topic, its dead-letter topic and all their messages.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/topics/"+url.PathEscape(name), nil, nil)
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

// PeekDLQ returns up to limit unresolved messages of the topic's dead-letter
// topic without leasing them.
func (c *Client) PeekDLQ(ctx context.Context, topic string, limit int) ([]*Message, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	path := fmt.Sprintf("/topics/%s/dlq?%s", url.PathEscape(topic), q.Encode())

	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return toMessages(resp.Messages)
}

// ReplayDLQ moves up to limit dead-lettered messages back to the queues they
// came from. Returns the number of messages moved.
func (c *Client) ReplayDLQ(ctx context.Context, topic string, limit int) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	path := fmt.Sprintf("/topics/%s/dlq/replay", url.PathEscape(topic))
	if err := c.do(ctx, http.MethodPost, path, map[string]int{"limit": limit}, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Webhook subscriptions ───────────────────────────────────────────────────

// Subscribe registers url to receive every message of one queue of topic.
// The server acks a message once url answers 2xx.
func (c *Client) Subscribe(ctx context.Context, topic string, queue int32, hookURL string, opts SubscribeOptions) (*Subscription, error) {
	body := map[string]any{
		"queue":                 queue,
		"url":                   hookURL,
		"group":                 opts.Group,
		"secret":                opts.Secret,
		"invisible_duration_ms": opts.InvisibleDuration.Milliseconds(),
	}
	var resp Subscription
	path := fmt.Sprintf("/topics/%s/subscriptions", url.PathEscape(topic))
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSubscriptions returns the webhook subscriptions of topic.
func (c *Client) ListSubscriptions(ctx context.Context, topic string) ([]*Subscription, error) {
	var resp struct {
		Subscriptions []*Subscription `json:"subscriptions"`
	}
	path := fmt.Sprintf("/topics/%s/subscriptions", url.PathEscape(topic))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		Topics   int    `json:"topics"`
		Queues   int    `json:"queues"`
		UptimeMs int64  `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status: resp.Status,
		NodeID: resp.NodeID,
		Topics: resp.Topics,
		Queues: resp.Queues,
		Uptime: time.Duration(resp.UptimeMs) * time.Millisecond,
	}, nil
}

// Stats returns the consumption state of every queue of a topic.
func (c *Client) Stats(ctx context.Context, topic string) (*TopicStats, error) {
	var resp TopicStats
	path := fmt.Sprintf("/topics/%s/stats", url.PathEscape(topic))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("poplog: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("poplog: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("poplog: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("poplog: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error  string `json:"error"`
			Serial uint64 `json:"serial"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg, Serial: errResp.Serial}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("poplog: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type publishPayload struct {
	Body     string            `json:"body"`
	Queue    *int32            `json:"queue,omitempty"`
	Key      string            `json:"key,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type popPayload struct {
	Group               string `json:"group,omitempty"`
	MaxCount            int    `json:"max_count,omitempty"`
	MaxBytes            int64  `json:"max_bytes,omitempty"`
	InvisibleDurationMs int64  `json:"invisible_duration_ms,omitempty"`
	WaitMs              int64  `json:"wait_ms,omitempty"`
}

type wireTopic struct {
	Name      string `json:"name"`
	Queues    int32  `json:"queues"`
	CreatedAt int64  `json:"created_at"`
}

func (w *wireTopic) toTopic() *Topic {
	return &Topic{Name: w.Name, Queues: w.Queues, CreatedAt: time.UnixMilli(w.CreatedAt).UTC()}
}

type wireMessage struct {
	ID             string            `json:"id"`
	Body           string            `json:"body"` // base64
	Receipt        string            `json:"receipt"`
	Topic          string            `json:"topic"`
	Queue          int32             `json:"queue"`
	Offset         int64             `json:"offset"`
	Attempts       int32             `json:"attempts"`
	InvisibleUntil *time.Time        `json:"invisible_until"`
	PublishedAt    int64             `json:"published_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (w *wireMessage) toMessage() (*Message, error) {
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		return nil, fmt.Errorf("poplog: message %s: body is not base64: %w", w.ID, err)
	}
	m := &Message{
		ID:          w.ID,
		Body:        body,
		Receipt:     w.Receipt,
		Topic:       w.Topic,
		Queue:       w.Queue,
		Offset:      w.Offset,
		Attempts:    w.Attempts,
		PublishedAt: time.UnixMilli(w.PublishedAt).UTC(),
		Metadata:    w.Metadata,
	}
	if w.InvisibleUntil != nil {
		m.InvisibleUntil = *w.InvisibleUntil
	}
	return m, nil
}

func toMessages(ws []wireMessage) ([]*Message, error) {
	out := make([]*Message, 0, len(ws))
	for i := range ws {
		m, err := ws[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
