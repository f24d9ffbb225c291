package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/consumer"
	"github.com/sneh-joshi/poplog/internal/message"
	"github.com/sneh-joshi/poplog/internal/oplog"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/stream"
	"github.com/sneh-joshi/poplog/internal/topic"
	"github.com/sneh-joshi/poplog/internal/types"
)

// Metadata limits, enforced on every publish path.
const (
	metaMaxKeys     = 16  // max number of key/value pairs
	metaMaxKeyBytes = 64  // max bytes per key
	metaMaxValBytes = 512 // max bytes per value
)

// maxDLQPage bounds peek and replay requests.
const maxDLQPage = 100

// validateMetadata returns a non-nil error if m violates any metadata limit.
func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	consumer *consumer.Manager
	started  time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type createTopicReq struct {
	Name   string `json:"name"`
	Queues int32  `json:"queues"`
}

type topicListResp struct {
	Topics []topic.Topic `json:"topics"`
}

type publishReq struct {
	Body     string            `json:"body"`  // base64-encoded
	Queue    *int32            `json:"queue"` // omitted = broker picks
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata"`
}

type popReq struct {
	Group               string `json:"group"`
	MaxCount            int    `json:"max_count"`
	MaxBytes            int64  `json:"max_bytes"`
	InvisibleDurationMs int64  `json:"invisible_duration_ms"`
	WaitMs              int64  `json:"wait_ms"`
}

type deliveredMessage struct {
	ID             string            `json:"id"`
	Body           string            `json:"body"` // base64
	Receipt        string            `json:"receipt"`
	Topic          string            `json:"topic"`
	Queue          int32             `json:"queue"`
	Offset         int64             `json:"offset"`
	Attempts       int32             `json:"attempts,omitempty"`
	InvisibleUntil *time.Time        `json:"invisible_until,omitempty"`
	PublishedAt    int64             `json:"published_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type popResp struct {
	Serial       uint64             `json:"serial,omitempty"`
	Messages     []deliveredMessage `json:"messages"`
	DeadLettered int                `json:"dead_lettered,omitempty"`
}

type changeReq struct {
	DurationMs int64 `json:"duration_ms"`
}

type replayReq struct {
	Limit int `json:"limit"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type subscribeReq struct {
	Queue               int32  `json:"queue"`
	Group               string `json:"group"`
	URL                 string `json:"url"`
	Secret              string `json:"secret"`
	InvisibleDurationMs int64  `json:"invisible_duration_ms"`
}

type subscriptionListResp struct {
	Subscriptions []consumer.Subscription `json:"subscriptions"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Topics   int    `json:"topics"`
	Queues   int    `json:"queues"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.broker.Stats()
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Topics:   stats.Topics,
		Queues:   stats.Queues,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Topic management ─────────────────────────────────────────────────────────

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Queues == 0 {
		req.Queues = 1
	}
	t, err := h.broker.CreateTopic(r.Context(), req.Name, req.Queues)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, topicListResp{Topics: h.broker.ListTopics()})
}

func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	if err := h.broker.DeleteTopic(r.Context(), name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.consumer.DeregisterTopic(name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) topicStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.broker.TopicStats(r.Context(), r.PathValue("topic"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (h *Handler) publishMessage(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be base64-encoded"})
		return
	}

	pub := broker.PublishRequest{
		Topic:    r.PathValue("topic"),
		Queue:    broker.AnyQueue,
		Key:      req.Key,
		Body:     body,
		Metadata: req.Metadata,
	}
	if req.Queue != nil {
		pub.Queue = *req.Queue
		if pub.Queue < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queue must be >= 0"})
			return
		}
	}
	resp, err := h.broker.Publish(r.Context(), pub)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) popMessages(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.ParseInt(r.PathValue("queue"), 10, 32)
	if err != nil || idx < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queue must be a non-negative integer"})
		return
	}
	var req popReq
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxCount < 0 || req.MaxBytes < 0 || req.InvisibleDurationMs < 0 || req.WaitMs < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pop parameters must be >= 0"})
		return
	}

	resp, err := h.broker.Pop(r.Context(), broker.PopRequest{
		Topic:             r.PathValue("topic"),
		Queue:             int32(idx),
		Group:             req.Group,
		MaxCount:          req.MaxCount,
		MaxBytes:          req.MaxBytes,
		InvisibleDuration: time.Duration(req.InvisibleDurationMs) * time.Millisecond,
		Wait:              time.Duration(req.WaitMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	out := popResp{Serial: resp.Serial, DeadLettered: resp.DeadLettered, Messages: make([]deliveredMessage, 0, len(resp.Messages))}
	for _, d := range resp.Messages {
		m := toWire(d.Message)
		m.Receipt = d.Receipt
		m.Attempts = d.Attempts
		until := d.InvisibleUntil
		m.InvisibleUntil = &until
		out.Messages = append(out.Messages, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ackMessage(w http.ResponseWriter, r *http.Request) {
	resp, err := h.broker.Ack(r.Context(), r.PathValue("receipt"))
	if err != nil {
		var serial uint64
		if resp != nil {
			serial = resp.Serial
		}
		writeLeaseError(w, err, serial)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) changeInvisibleDuration(w http.ResponseWriter, r *http.Request) {
	var req changeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DurationMs < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration_ms must be >= 0"})
		return
	}
	resp, err := h.broker.ChangeInvisibleDuration(r.Context(), r.PathValue("receipt"),
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		var serial uint64
		if resp != nil {
			serial = resp.Serial
		}
		writeLeaseError(w, err, serial)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

func (h *Handler) peekDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxDLQPage {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("limit must be 1..%d", maxDLQPage)})
			return
		}
		limit = n
	}
	msgs, err := h.broker.DLQ().Peek(r.Context(), r.PathValue("topic"), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]deliveredMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWire(m))
	}
	writeJSON(w, http.StatusOK, popResp{Messages: out})
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	req := replayReq{Limit: 10}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit < 1 || req.Limit > maxDLQPage {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("limit must be 1..%d", maxDLQPage)})
		return
	}
	n, err := h.broker.DLQ().Replay(r.Context(), r.PathValue("topic"), req.Limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n})
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.consumer.Register(r.Context(), consumer.SubscribeRequest{
		Topic:             r.PathValue("topic"),
		Queue:             req.Queue,
		Group:             req.Group,
		URL:               req.URL,
		Secret:            req.Secret,
		InvisibleDuration: time.Duration(req.InvisibleDurationMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("topic")
	if _, err := h.broker.TopicStats(r.Context(), name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionListResp{Subscriptions: h.consumer.List(name)})
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.consumer.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Deregister(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toWire(m *types.Message) deliveredMessage {
	return deliveredMessage{
		ID:          m.ID,
		Body:        base64.StdEncoding.EncodeToString(m.Body),
		Topic:       m.Topic,
		Queue:       m.Queue,
		Offset:      m.Offset,
		PublishedAt: m.PublishedAt,
		Metadata:    m.Metadata,
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, topic.ErrNotFound), errors.Is(err, broker.ErrQueueOutOfRange),
		errors.Is(err, queue.ErrQueueNotFound), errors.Is(err, consumer.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, topic.ErrAlreadyExists), errors.Is(err, statemachine.ErrStaleLease),
		errors.Is(err, statemachine.ErrInvalidLeaseState):
		return http.StatusConflict
	case errors.Is(err, topic.ErrInvalidName), errors.Is(err, topic.ErrInvalidQueues),
		errors.Is(err, broker.ErrInvalidReceipt), errors.Is(err, oplog.ErrInvalidRequest),
		errors.Is(err, consumer.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrReservedTopic):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, message.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, oplog.ErrNotReady), errors.Is(err, oplog.ErrAppendFailure),
		errors.Is(err, queue.ErrClosed), errors.Is(err, stream.ErrUnavailable),
		errors.Is(err, consumer.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLeaseError reports a failed Ack or ChangeInvisibleDuration. A stale
// lease was still logged, so a non-zero serial is returned next to the error.
func writeLeaseError(w http.ResponseWriter, err error, serial uint64) {
	if serial == 0 {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "serial": serial})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
