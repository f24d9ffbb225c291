package http_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/config"
	"github.com/sneh-joshi/poplog/internal/consumer"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/stream/memory"
	"github.com/sneh-joshi/poplog/internal/topic"
	transphttp "github.com/sneh-joshi/poplog/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type testServer struct {
	h     http.Handler
	clock *clockwork.FakeClock
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.HTTP.RateLimitRPS = 0
	for _, m := range mutate {
		m(cfg)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	qcfg := queue.DefaultConfig()
	qcfg.ReclaimInterval = 0
	qcfg.Oplog.MaxDeliveryAttempts = cfg.Lease.MaxDeliveryAttempts
	qm := queue.NewManager(memory.New(), qcfg, queue.WithClock(clock))
	reg, err := topic.New(cfg.Node.DataDir, clock)
	if err != nil {
		t.Fatalf("topic.New: %v", err)
	}
	b := broker.New(qm, reg, broker.Config{NodeID: "test-node"}, broker.WithClock(clock))
	t.Cleanup(func() { _ = b.Close() })

	cm := consumer.NewManager(b, consumer.Config{Wait: 200 * time.Millisecond})
	t.Cleanup(cm.Close)

	srv := transphttp.New(b, cm, cfg, nil, nil)
	return &testServer{h: srv.Handler(), clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func expect(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("want %d, got %d: %s", code, rr.Code, rr.Body.String())
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

type popBody struct {
	Serial       uint64 `json:"serial"`
	DeadLettered int    `json:"dead_lettered"`
	Messages     []struct {
		Body    string `json:"body"`
		Receipt string `json:"receipt"`
		Offset  int64  `json:"offset"`
	} `json:"messages"`
}

func (s *testServer) createTopic(t *testing.T, name string, queues int) {
	t.Helper()
	expect(t, s.do(t, "POST", "/topics", map[string]any{"name": name, "queues": queues}), http.StatusCreated)
}

func (s *testServer) publish(t *testing.T, topicName string, queue int, body string) {
	t.Helper()
	rr := s.do(t, "POST", "/topics/"+topicName+"/messages", map[string]any{"body": b64(body), "queue": queue})
	expect(t, rr, http.StatusCreated)
}

func (s *testServer) pop(t *testing.T, path string, req map[string]any) popBody {
	t.Helper()
	rr := s.do(t, "POST", path, req)
	expect(t, rr, http.StatusOK)
	var out popBody
	decodeResp(t, rr, &out)
	return out
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, "GET", "/health", nil)
	expect(t, rr, http.StatusOK)
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["node_id"] != "test-node" {
		t.Errorf("health: %v", resp)
	}
}

// ─── Topic management ─────────────────────────────────────────────────────────

func TestHTTP_CreateListDeleteTopic(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 2)

	expect(t, s.do(t, "POST", "/topics", map[string]any{"name": "orders", "queues": 1}), http.StatusConflict)

	rr := s.do(t, "GET", "/topics", nil)
	expect(t, rr, http.StatusOK)
	var list struct {
		Topics []topic.Topic `json:"topics"`
	}
	decodeResp(t, rr, &list)
	if len(list.Topics) != 1 || list.Topics[0].Name != "orders" || list.Topics[0].Queues != 2 {
		t.Fatalf("list: %+v", list.Topics)
	}

	expect(t, s.do(t, "DELETE", "/topics/orders", nil), http.StatusNoContent)
	expect(t, s.do(t, "DELETE", "/topics/orders", nil), http.StatusNotFound)
}

func TestHTTP_CreateTopic_Invalid(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		desc string
		body map[string]any
	}{
		{"uppercase", map[string]any{"name": "Orders"}},
		{"reserved prefix", map[string]any{"name": "__dlq__orders"}},
		{"too many queues", map[string]any{"name": "orders", "queues": 100000}},
		{"unknown field", map[string]any{"name": "orders", "partitions": 2}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			expect(t, s.do(t, "POST", "/topics", tc.body), http.StatusBadRequest)
		})
	}
}

// ─── Publish ──────────────────────────────────────────────────────────────────

func TestHTTP_Publish_Errors(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)

	cases := []struct {
		desc string
		path string
		body map[string]any
		code int
	}{
		{"unknown topic", "/topics/missing/messages", map[string]any{"body": b64("x")}, http.StatusNotFound},
		{"not base64", "/topics/orders/messages", map[string]any{"body": "%%%"}, http.StatusBadRequest},
		{"queue out of range", "/topics/orders/messages", map[string]any{"body": b64("x"), "queue": 3}, http.StatusNotFound},
		{"negative queue", "/topics/orders/messages", map[string]any{"body": b64("x"), "queue": -2}, http.StatusBadRequest},
		{"dlq topic", "/topics/__dlq__orders/messages", map[string]any{"body": b64("x")}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			expect(t, s.do(t, "POST", tc.path, tc.body), tc.code)
		})
	}
}

func TestHTTP_Publish_MetadataLimits(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)

	big := make(map[string]string)
	for i := 0; i < 17; i++ {
		big[string(rune('a'+i))] = "v"
	}
	rr := s.do(t, "POST", "/topics/orders/messages", map[string]any{"body": b64("x"), "metadata": big})
	expect(t, rr, http.StatusBadRequest)

	rr = s.do(t, "POST", "/topics/orders/messages", map[string]any{
		"body":     b64("x"),
		"metadata": map[string]string{"trace": "abc"},
	})
	expect(t, rr, http.StatusCreated)
}

// ─── Pop / Ack ────────────────────────────────────────────────────────────────

func TestHTTP_PopAckCycle(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)
	s.publish(t, "orders", 0, "hello")

	got := s.pop(t, "/topics/orders/queues/0/pop", map[string]any{"invisible_duration_ms": 30000})
	if len(got.Messages) != 1 || got.Serial != 1 {
		t.Fatalf("pop: %+v", got)
	}
	if body, _ := base64.StdEncoding.DecodeString(got.Messages[0].Body); string(body) != "hello" {
		t.Errorf("body: want hello, got %q", body)
	}

	// Invisible now: a second pop is empty.
	if again := s.pop(t, "/topics/orders/queues/0/pop", nil); len(again.Messages) != 0 {
		t.Fatalf("second pop should be empty: %+v", again)
	}

	receipt := got.Messages[0].Receipt
	rr := s.do(t, "POST", "/receipts/"+receipt+"/ack", nil)
	expect(t, rr, http.StatusOK)
	var ack broker.AckResponse
	decodeResp(t, rr, &ack)
	if ack.Serial != 2 || ack.Duplicate {
		t.Fatalf("ack: %+v", ack)
	}

	rr = s.do(t, "POST", "/receipts/"+receipt+"/ack", nil)
	expect(t, rr, http.StatusOK)
	decodeResp(t, rr, &ack)
	if ack.Serial != 2 || !ack.Duplicate {
		t.Fatalf("retried ack: %+v", ack)
	}

	rr = s.do(t, "GET", "/topics/orders/stats", nil)
	expect(t, rr, http.StatusOK)
	var st broker.TopicStats
	decodeResp(t, rr, &st)
	if st.Visible != 0 || st.InFlight != 0 || st.Queues[0].Counters.Acked != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestHTTP_Pop_BadRequests(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)

	expect(t, s.do(t, "POST", "/topics/orders/queues/x/pop", nil), http.StatusBadRequest)
	expect(t, s.do(t, "POST", "/topics/orders/queues/0/pop", map[string]any{"wait_ms": -1}), http.StatusBadRequest)
	expect(t, s.do(t, "POST", "/topics/orders/queues/5/pop", nil), http.StatusNotFound)
	expect(t, s.do(t, "POST", "/topics/missing/queues/0/pop", nil), http.StatusNotFound)
}

func TestHTTP_ChangeInvisibleDuration_StaleReceipt(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)
	s.publish(t, "orders", 0, "hello")

	first := s.pop(t, "/topics/orders/queues/0/pop", map[string]any{"invisible_duration_ms": 30000})
	old := first.Messages[0].Receipt

	// Zero releases the message straight back.
	expect(t, s.do(t, "POST", "/receipts/"+old+"/invisible", map[string]any{"duration_ms": 0}), http.StatusOK)

	second := s.pop(t, "/topics/orders/queues/0/pop", nil)
	if len(second.Messages) != 1 || second.Messages[0].Receipt == old {
		t.Fatalf("re-pop: %+v", second)
	}

	rr := s.do(t, "POST", "/receipts/"+old+"/ack", nil)
	expect(t, rr, http.StatusConflict)
	var stale struct {
		Error  string `json:"error"`
		Serial uint64 `json:"serial"`
	}
	decodeResp(t, rr, &stale)
	if stale.Serial == 0 || stale.Error == "" {
		t.Fatalf("stale ack body: %+v", stale)
	}
	expect(t, s.do(t, "POST", "/receipts/"+second.Messages[0].Receipt+"/ack", nil), http.StatusOK)
	expect(t, s.do(t, "POST", "/receipts/not-a-receipt/ack", nil), http.StatusBadRequest)
	expect(t, s.do(t, "POST", "/receipts/"+old+"/invisible", map[string]any{"duration_ms": -5}), http.StatusBadRequest)
}

// ─── DLQ ──────────────────────────────────────────────────────────────────────

func TestHTTP_DLQ_PeekReplay(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Lease.MaxDeliveryAttempts = 1 })
	s.createTopic(t, "orders", 1)
	s.publish(t, "orders", 0, "poison")

	s.pop(t, "/topics/orders/queues/0/pop", map[string]any{"invisible_duration_ms": 1000})
	s.clock.Advance(2 * time.Second)
	if got := s.pop(t, "/topics/orders/queues/0/pop", nil); got.DeadLettered != 1 {
		t.Fatalf("want 1 dead-lettered, got %+v", got)
	}

	rr := s.do(t, "GET", "/topics/orders/dlq?limit=5", nil)
	expect(t, rr, http.StatusOK)
	var peek popBody
	decodeResp(t, rr, &peek)
	if len(peek.Messages) != 1 {
		t.Fatalf("peek: %+v", peek)
	}
	expect(t, s.do(t, "GET", "/topics/orders/dlq?limit=0", nil), http.StatusBadRequest)

	rr = s.do(t, "POST", "/topics/orders/dlq/replay", map[string]any{"limit": 10})
	expect(t, rr, http.StatusOK)
	var replay struct {
		Replayed int `json:"replayed"`
	}
	decodeResp(t, rr, &replay)
	if replay.Replayed != 1 {
		t.Fatalf("replayed: want 1, got %d", replay.Replayed)
	}

	if got := s.pop(t, "/topics/orders/queues/0/pop", nil); len(got.Messages) != 1 {
		t.Fatalf("replayed message not delivered: %+v", got)
	}
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

func TestHTTP_Subscriptions_DeliverThroughWebhook(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)

	got := make(chan map[string]any, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hook.Close)

	rr := s.do(t, "POST", "/topics/orders/subscriptions", map[string]any{"queue": 0, "url": hook.URL, "group": "billing"})
	expect(t, rr, http.StatusCreated)
	var sub struct {
		ID    string `json:"id"`
		Topic string `json:"topic"`
		URL   string `json:"url"`
	}
	decodeResp(t, rr, &sub)
	if sub.ID == "" || sub.Topic != "orders" || sub.URL != hook.URL {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	s.publish(t, "orders", 0, "pushed")
	select {
	case p := <-got:
		if p["body"] != b64("pushed") {
			t.Errorf("webhook body: want %s, got %v", b64("pushed"), p["body"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}

	rr = s.do(t, "GET", "/topics/orders/subscriptions", nil)
	expect(t, rr, http.StatusOK)
	var list struct {
		Subscriptions []struct {
			ID string `json:"id"`
		} `json:"subscriptions"`
	}
	decodeResp(t, rr, &list)
	if len(list.Subscriptions) != 1 || list.Subscriptions[0].ID != sub.ID {
		t.Fatalf("list: want [%s], got %+v", sub.ID, list.Subscriptions)
	}

	expect(t, s.do(t, "GET", "/subscriptions/"+sub.ID, nil), http.StatusOK)
	expect(t, s.do(t, "DELETE", "/subscriptions/"+sub.ID, nil), http.StatusNoContent)
	expect(t, s.do(t, "GET", "/subscriptions/"+sub.ID, nil), http.StatusNotFound)
	expect(t, s.do(t, "DELETE", "/subscriptions/"+sub.ID, nil), http.StatusNotFound)
}

func TestHTTP_Subscriptions_Validation(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)

	expect(t, s.do(t, "POST", "/topics/orders/subscriptions", map[string]any{"url": "not a url"}), http.StatusBadRequest)
	expect(t, s.do(t, "POST", "/topics/orders/subscriptions", map[string]any{"queue": 3, "url": "http://example.com"}), http.StatusNotFound)
	expect(t, s.do(t, "POST", "/topics/missing/subscriptions", map[string]any{"url": "http://example.com"}), http.StatusNotFound)
	expect(t, s.do(t, "GET", "/topics/missing/subscriptions", nil), http.StatusNotFound)
}

func TestHTTP_DeleteTopic_DropsSubscriptions(t *testing.T) {
	s := newTestServer(t)
	s.createTopic(t, "orders", 1)
	expect(t, s.do(t, "POST", "/topics/orders/subscriptions", map[string]any{"url": "http://127.0.0.1:1/hook"}), http.StatusCreated)

	expect(t, s.do(t, "DELETE", "/topics/orders", nil), http.StatusNoContent)
	s.createTopic(t, "orders", 1)

	rr := s.do(t, "GET", "/topics/orders/subscriptions", nil)
	expect(t, rr, http.StatusOK)
	var list struct {
		Subscriptions []json.RawMessage `json:"subscriptions"`
	}
	decodeResp(t, rr, &list)
	if len(list.Subscriptions) != 0 {
		t.Fatalf("recreated topic must start without subscriptions, got %d", len(list.Subscriptions))
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})

	expect(t, s.do(t, "GET", "/health", nil), http.StatusOK)
	expect(t, s.do(t, "GET", "/topics", nil), http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/topics", nil)
	req.Header.Set("X-Api-Key", "secret")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	expect(t, rr, http.StatusOK)
}

func TestHTTP_RateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.HTTP.RateLimitRPS = 1
		c.HTTP.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		expect(t, s.do(t, "GET", "/health", nil), http.StatusOK)
	}
	expect(t, s.do(t, "GET", "/health", nil), http.StatusTooManyRequests)
}

func TestHTTP_MaxBody(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Storage.MaxMessageSizeKB = 1 })
	s.createTopic(t, "orders", 1)

	huge := bytes.Repeat([]byte("x"), 200<<10)
	rr := s.do(t, "POST", "/topics/orders/messages", map[string]any{"body": base64.StdEncoding.EncodeToString(huge)})
	expect(t, rr, http.StatusRequestEntityTooLarge)
}
