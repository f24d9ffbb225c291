package consumer_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/consumer"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/stream/memory"
	"github.com/sneh-joshi/poplog/internal/topic"
)

var ctx = context.Background()

// ─── helpers ─────────────────────────────────────────────────────────────────

// newBroker builds a broker on the real clock so long polls and lease
// expiry run in wall time.
func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	qcfg := queue.DefaultConfig()
	qcfg.ReclaimInterval = 0
	qcfg.Oplog.MaxDeliveryAttempts = 0
	qm := queue.NewManager(memory.New(), qcfg)
	reg, err := topic.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("topic.New: %v", err)
	}
	b := broker.New(qm, reg, broker.Config{NodeID: "test-node"})
	t.Cleanup(func() { _ = b.Close() })
	if _, err := b.CreateTopic(ctx, "orders", 2); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return b
}

func newManager(t *testing.T, b *broker.Broker, cfg consumer.Config) *consumer.Manager {
	t.Helper()
	if cfg.Wait == 0 {
		cfg.Wait = 200 * time.Millisecond
	}
	m := consumer.NewManager(b, cfg)
	t.Cleanup(m.Close)
	return m
}

func publish(t *testing.T, b *broker.Broker, queue int32, body string) {
	t.Helper()
	if _, err := b.Publish(ctx, broker.PublishRequest{Topic: "orders", Queue: queue, Body: []byte(body)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

// received is one request seen by a test endpoint.
type received struct {
	payload consumer.Payload
	raw     []byte
	header  http.Header
}

// endpoint is an httptest server that answers with the next status from
// statuses (the last one repeats) and records every request.
type endpoint struct {
	*httptest.Server
	hits atomic.Int32
	got  chan received
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	t.Helper()
	e := &endpoint{got: make(chan received, 64)}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(e.hits.Add(1))
		raw, _ := io.ReadAll(r.Body)
		var p consumer.Payload
		_ = json.Unmarshal(raw, &p)
		e.got <- received{payload: p, raw: raw, header: r.Header.Clone()}

		w.WriteHeader(statuses[min(n, len(statuses))-1])
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-e.got:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a webhook POST")
		return received{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drained reports whether queue 0 of orders has nothing visible or leased.
func drained(t *testing.T, b *broker.Broker) bool {
	t.Helper()
	st, err := b.TopicStats(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicStats: %v", err)
	}
	return st.Queues[0].Visible == 0 && st.Queues[0].InFlight == 0
}

// ─── Delivery ────────────────────────────────────────────────────────────────

func TestManager_DeliversAndAcksOn2xx(t *testing.T) {
	b := newBroker(t)
	ep := newEndpoint(t, http.StatusNoContent)
	m := newManager(t, b, consumer.Config{})

	sub, err := m.Register(ctx, consumer.SubscribeRequest{
		Topic: "orders", Queue: 0, Group: "billing", URL: ep.URL, Secret: "s3cret",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	publish(t, b, 0, "hello")

	r := ep.next(t)
	body, err := base64.StdEncoding.DecodeString(r.payload.Body)
	if err != nil || string(body) != "hello" {
		t.Fatalf("body: want hello, got %q (%v)", body, err)
	}
	if r.payload.Topic != "orders" || r.payload.Queue != 0 || r.payload.Offset != 0 {
		t.Errorf("unexpected payload %+v", r.payload)
	}
	if r.payload.Attempts != 1 || r.payload.Receipt == "" {
		t.Errorf("want first attempt with a receipt, got %+v", r.payload)
	}
	if got, want := r.header.Get(consumer.HeaderSignature), consumer.Sign("s3cret", r.raw); got != want {
		t.Errorf("signature: want %s, got %s", want, got)
	}
	if got := r.header.Get(consumer.HeaderSubscription); got != sub.ID {
		t.Errorf("subscription header: want %s, got %s", sub.ID, got)
	}

	eventually(t, "delivered message to be acked", func() bool { return drained(t, b) })
}

func TestManager_FailedPostLeavesLeaseToExpire(t *testing.T) {
	b := newBroker(t)
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusOK)
	m := newManager(t, b, consumer.Config{})

	if _, err := m.Register(ctx, consumer.SubscribeRequest{
		Topic: "orders", Queue: 0, URL: ep.URL, InvisibleDuration: 200 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	publish(t, b, 0, "retry-me")

	first := ep.next(t)
	if first.payload.Attempts != 1 {
		t.Fatalf("first POST: want attempt 1, got %d", first.payload.Attempts)
	}
	if first.header.Get(consumer.HeaderSignature) != "" {
		t.Error("no secret was set, want no signature header")
	}
	second := ep.next(t)
	if second.payload.Attempts != 2 || second.payload.Offset != first.payload.Offset {
		t.Fatalf("redelivery: want offset %d attempt 2, got %+v", first.payload.Offset, second.payload)
	}
	if second.payload.Receipt == first.payload.Receipt {
		t.Error("redelivery must carry a new receipt")
	}
	eventually(t, "redelivered message to be acked", func() bool { return drained(t, b) })
}

func TestManager_OpenBreakerStopsPopping(t *testing.T) {
	b := newBroker(t)
	ep := newEndpoint(t, http.StatusServiceUnavailable)
	m := newManager(t, b, consumer.Config{BatchSize: 1, Failures: 1, OpenTimeout: time.Hour})

	if _, err := m.Register(ctx, consumer.SubscribeRequest{
		Topic: "orders", Queue: 0, URL: ep.URL, InvisibleDuration: 50 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	publish(t, b, 0, "a")
	publish(t, b, 0, "b")
	ep.next(t)

	time.Sleep(500 * time.Millisecond)
	if n := ep.hits.Load(); n != 1 {
		t.Fatalf("breaker open: want 1 POST, got %d", n)
	}
	st, err := b.TopicStats(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicStats: %v", err)
	}
	if st.Queues[0].Visible != 2 || st.Queues[0].InFlight != 0 {
		t.Errorf("want both messages visible and unleased, got %+v", st.Queues[0].Stats)
	}
}

func TestManager_EndpointsHaveSeparateBreakers(t *testing.T) {
	b := newBroker(t)
	down := newEndpoint(t, http.StatusInternalServerError)
	up := newEndpoint(t, http.StatusOK)
	m := newManager(t, b, consumer.Config{BatchSize: 1, Failures: 1, OpenTimeout: time.Hour})

	for i, url := range []string{down.URL, up.URL} {
		if _, err := m.Register(ctx, consumer.SubscribeRequest{Topic: "orders", Queue: int32(i), URL: url}); err != nil {
			t.Fatalf("Register %s: %v", url, err)
		}
	}
	publish(t, b, 0, "lost")
	down.next(t)

	publish(t, b, 1, "kept")
	r := up.next(t)
	if body, _ := base64.StdEncoding.DecodeString(r.payload.Body); string(body) != "kept" {
		t.Errorf("healthy endpoint: want kept, got %q", body)
	}
}

// ─── Registration ────────────────────────────────────────────────────────────

func TestManager_Register_Rejects(t *testing.T) {
	b := newBroker(t)
	m := newManager(t, b, consumer.Config{})

	cases := map[string]struct {
		req  consumer.SubscribeRequest
		want error
	}{
		"missing url":     {consumer.SubscribeRequest{Topic: "orders"}, consumer.ErrInvalidSubscription},
		"non-http url":    {consumer.SubscribeRequest{Topic: "orders", URL: "ftp://example.com"}, consumer.ErrInvalidSubscription},
		"unknown topic":   {consumer.SubscribeRequest{Topic: "missing", URL: "http://example.com"}, topic.ErrNotFound},
		"queue too large": {consumer.SubscribeRequest{Topic: "orders", Queue: 2, URL: "http://example.com"}, broker.ErrQueueOutOfRange},
		"negative lease": {
			consumer.SubscribeRequest{Topic: "orders", URL: "http://example.com", InvisibleDuration: -time.Second},
			consumer.ErrInvalidSubscription,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Register(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
	if subs := m.List(""); len(subs) != 0 {
		t.Errorf("rejected registrations must not be kept, got %+v", subs)
	}
}

func TestManager_DeregisterStopsDelivery(t *testing.T) {
	b := newBroker(t)
	ep := newEndpoint(t, http.StatusOK)
	m := newManager(t, b, consumer.Config{})

	sub, err := m.Register(ctx, consumer.SubscribeRequest{Topic: "orders", Queue: 0, URL: ep.URL})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got, err := m.Get(sub.ID); err != nil || got.URL != ep.URL {
		t.Fatalf("Get: got %+v, %v", got, err)
	}
	if err := m.Deregister(sub.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := m.Get(sub.ID); !errors.Is(err, consumer.ErrSubscriptionNotFound) {
		t.Fatalf("Get after Deregister: want ErrSubscriptionNotFound, got %v", err)
	}
	if err := m.Deregister(sub.ID); !errors.Is(err, consumer.ErrSubscriptionNotFound) {
		t.Fatalf("second Deregister: want ErrSubscriptionNotFound, got %v", err)
	}

	publish(t, b, 0, "nobody-listens")
	time.Sleep(300 * time.Millisecond)
	if n := ep.hits.Load(); n != 0 {
		t.Fatalf("want no POSTs after Deregister, got %d", n)
	}
}

func TestManager_ListFiltersByTopic(t *testing.T) {
	b := newBroker(t)
	if _, err := b.CreateTopic(ctx, "audit", 1); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	m := newManager(t, b, consumer.Config{})

	for _, req := range []consumer.SubscribeRequest{
		{Topic: "orders", Queue: 0, URL: "http://127.0.0.1:1/a"},
		{Topic: "orders", Queue: 1, URL: "http://127.0.0.1:1/b"},
		{Topic: "audit", Queue: 0, URL: "http://127.0.0.1:1/c"},
	} {
		if _, err := m.Register(ctx, req); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	orders := m.List("orders")
	if len(orders) != 2 || orders[0].ID >= orders[1].ID {
		t.Fatalf("List(orders): want 2 subscriptions ordered by ID, got %+v", orders)
	}
	if all := m.List(""); len(all) != 3 {
		t.Errorf("List(all): want 3, got %d", len(all))
	}
	if n := m.DeregisterTopic("orders"); n != 2 {
		t.Errorf("DeregisterTopic: want 2, got %d", n)
	}
	if left := m.List(""); len(left) != 1 || left[0].Topic != "audit" {
		t.Errorf("want only the audit subscription left, got %+v", left)
	}
}

func TestManager_DeletedTopicEndsSubscription(t *testing.T) {
	b := newBroker(t)
	m := newManager(t, b, consumer.Config{})

	if _, err := m.Register(ctx, consumer.SubscribeRequest{Topic: "orders", Queue: 0, URL: "http://127.0.0.1:1/x"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := b.DeleteTopic(ctx, "orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	eventually(t, "subscription to be dropped", func() bool { return len(m.List("orders")) == 0 })
}

func TestManager_RegisterAfterCloseFails(t *testing.T) {
	b := newBroker(t)
	m := consumer.NewManager(b, consumer.Config{})
	m.Close()

	if _, err := m.Register(ctx, consumer.SubscribeRequest{Topic: "orders", URL: "http://example.com"}); !errors.Is(err, consumer.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
