// Package websocket provides WebSocket-based push delivery for poplog.
//
// Clients open a WebSocket connection to:
//
//	GET /topics/{topic}/queues/{queue}/ws?group=<g>&invisible_ms=<n>&batch=<n>
//
// The server long-polls the queue and pushes every leased message. Clients
// resolve leases with control frames over the same connection.
//
// Server → client frames:
//
//	{"type":"message","id":"<ULID>","body":"<base64>","receipt":"...","offset":N,"attempts":N,...}
//	{"type":"ack","receipt":"...","serial":N,"duplicate":false}
//	{"type":"invisible","receipt":"...","serial":N,"invisible_until":"..."}
//	{"type":"error","receipt":"...","error":"...","serial":N}
//
// Client → server control frames:
//
//	{"type":"ack","receipt":"..."}
//	{"type":"invisible","receipt":"...","duration_ms":N}
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/poplog/internal/broker"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// pollWait is how long each server-side pop parks waiting for messages.
	pollWait = 5 * time.Second

	defaultBatch = 10
	maxBatch     = 100
)

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches the Host header.
	// Requests without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return u.Host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Handler serves the WebSocket endpoint for one queue.
// It is mounted by the HTTP server and reads topic/queue from r.PathValue.
type Handler struct {
	Broker *broker.Broker
	Logger *slog.Logger
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type           string            `json:"type"`
	ID             string            `json:"id,omitempty"`
	Body           string            `json:"body,omitempty"` // base64
	Receipt        string            `json:"receipt,omitempty"`
	Topic          string            `json:"topic,omitempty"`
	Queue          int32             `json:"queue"`
	Offset         int64             `json:"offset"`
	Attempts       int32             `json:"attempts,omitempty"`
	PublishedAt    int64             `json:"published_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Serial         uint64            `json:"serial,omitempty"`
	Duplicate      bool              `json:"duplicate,omitempty"`
	InvisibleUntil *time.Time        `json:"invisible_until,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type       string `json:"type"` // "ack" | "invisible"
	Receipt    string `json:"receipt"`
	DurationMs int64  `json:"duration_ms"`
}

// subscription holds the pop parameters parsed from the upgrade request.
type subscription struct {
	req   broker.PopRequest
	batch int
}

func parseSubscription(r *http.Request) (subscription, error) {
	idx, err := strconv.ParseInt(r.PathValue("queue"), 10, 32)
	if err != nil || idx < 0 {
		return subscription{}, errors.New("queue must be a non-negative integer")
	}
	q := r.URL.Query()
	sub := subscription{
		req: broker.PopRequest{
			Topic: r.PathValue("topic"),
			Queue: int32(idx),
			Group: q.Get("group"),
			Wait:  pollWait,
		},
		batch: defaultBatch,
	}
	if s := q.Get("batch"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxBatch {
			return subscription{}, fmt.Errorf("batch must be 1..%d", maxBatch)
		}
		sub.batch = n
	}
	if s := q.Get("invisible_ms"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return subscription{}, errors.New("invisible_ms must be >= 0")
		}
		sub.req.InvisibleDuration = time.Duration(n) * time.Millisecond
	}
	sub.req.MaxCount = sub.batch
	return sub, nil
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := parseSubscription(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Reject unknown topics before upgrading so clients get a plain 404.
	if _, err := h.Broker.TopicStats(r.Context(), sub.req.Topic); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 1. read control frames ──
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	controlCh := make(chan clientFrame, 64)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr == nil {
				select {
				case controlCh <- cf:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// ── 2. pop in the background; the loop below is the only writer ──
	deliveries := make(chan []broker.Delivery)
	go func() {
		defer close(deliveries)
		for ctx.Err() == nil {
			resp, err := h.Broker.Pop(ctx, sub.req)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("ws pop failed", "topic", sub.req.Topic, "queue", sub.req.Queue, "err", err)
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
					}
				}
				continue
			}
			if len(resp.Messages) == 0 {
				continue
			}
			select {
			case deliveries <- resp.Messages:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	write := func(f serverFrame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(gorillaws.TextMessage, data)
	}

	// ── 3. push loop ──
	for {
		select {
		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			if err := write(h.control(ctx, cf)); err != nil {
				return
			}

		case batch, ok := <-deliveries:
			if !ok {
				return
			}
			for _, d := range batch {
				if err := write(messageFrame(d)); err != nil {
					return
				}
			}

		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// control resolves one lease and builds the reply frame.
func (h *Handler) control(ctx context.Context, cf clientFrame) serverFrame {
	switch cf.Type {
	case "ack":
		resp, err := h.Broker.Ack(ctx, cf.Receipt)
		if err != nil {
			f := serverFrame{Type: "error", Receipt: cf.Receipt, Error: err.Error()}
			if resp != nil {
				f.Serial = resp.Serial // stale lease, still logged
			}
			return f
		}
		return serverFrame{Type: "ack", Receipt: cf.Receipt, Serial: resp.Serial, Duplicate: resp.Duplicate}
	case "invisible":
		if cf.DurationMs < 0 {
			return serverFrame{Type: "error", Receipt: cf.Receipt, Error: "duration_ms must be >= 0"}
		}
		resp, err := h.Broker.ChangeInvisibleDuration(ctx, cf.Receipt, time.Duration(cf.DurationMs)*time.Millisecond)
		if err != nil {
			f := serverFrame{Type: "error", Receipt: cf.Receipt, Error: err.Error()}
			if resp != nil {
				f.Serial = resp.Serial
			}
			return f
		}
		until := resp.InvisibleUntil
		return serverFrame{Type: "invisible", Receipt: cf.Receipt, Serial: resp.Serial, InvisibleUntil: &until}
	default:
		return serverFrame{Type: "error", Receipt: cf.Receipt, Error: fmt.Sprintf("unknown frame type %q", cf.Type)}
	}
}

func messageFrame(d broker.Delivery) serverFrame {
	until := d.InvisibleUntil
	f := serverFrame{
		Type:           "message",
		Receipt:        d.Receipt,
		Attempts:       d.Attempts,
		InvisibleUntil: &until,
	}
	if m := d.Message; m != nil {
		f.ID = m.ID
		f.Body = base64.StdEncoding.EncodeToString(m.Body)
		f.Topic = m.Topic
		f.Queue = m.Queue
		f.Offset = m.Offset
		f.PublishedAt = m.PublishedAt
		f.Metadata = m.Metadata
	}
	return f
}
