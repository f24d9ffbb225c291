package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sneh-joshi/poplog/internal/broker"
	"github.com/sneh-joshi/poplog/internal/queue"
	"github.com/sneh-joshi/poplog/internal/statemachine"
	"github.com/sneh-joshi/poplog/internal/stream/memory"
	"github.com/sneh-joshi/poplog/internal/topic"
	"github.com/sneh-joshi/poplog/internal/types"
)

var ctx = context.Background()

// ─── helpers ─────────────────────────────────────────────────────────────────

type testBroker struct {
	*broker.Broker
}

func newTestBroker(t *testing.T, clock clockwork.Clock, cfg broker.Config) *testBroker {
	t.Helper()
	qcfg := queue.DefaultConfig()
	qcfg.ReclaimInterval = 0
	qcfg.Oplog.MaxDeliveryAttempts = 2
	qm := queue.NewManager(memory.New(), qcfg, queue.WithClock(clock))
	reg, err := topic.New(t.TempDir(), clock)
	if err != nil {
		t.Fatalf("topic.New: %v", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "test-node"
	}
	b := broker.New(qm, reg, cfg, broker.WithClock(clock))
	t.Cleanup(func() { _ = b.Close() })
	if _, err := b.CreateTopic(ctx, "orders", 2); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return &testBroker{Broker: b}
}

func fakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func (b *testBroker) publish(t *testing.T, queue int32, body string) *broker.PublishResponse {
	t.Helper()
	resp, err := b.Publish(ctx, broker.PublishRequest{Topic: "orders", Queue: queue, Body: []byte(body)})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return resp
}

func (b *testBroker) pop(t *testing.T, req broker.PopRequest) *broker.PopResponse {
	t.Helper()
	req.Topic = "orders"
	resp, err := b.Pop(ctx, req)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return resp
}

// ─── Topics ──────────────────────────────────────────────────────────────────

func TestBroker_CreateTopic_ActivatesQueues(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{})

	if _, err := b.CreateTopic(ctx, "orders", 1); !errors.Is(err, topic.ErrAlreadyExists) {
		t.Fatalf("duplicate CreateTopic: want ErrAlreadyExists, got %v", err)
	}
	if st := b.Stats(); st.Topics != 1 || st.Queues != 2 {
		t.Errorf("Stats: want 1 topic and 2 queues, got %+v", st)
	}
}

func TestBroker_DeleteTopic_RemovesDLQ(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{})
	if _, err := b.Publish(ctx, broker.PublishRequest{Topic: "__dlq__orders", Body: []byte("x")}); !errors.Is(err, broker.ErrReservedTopic) {
		t.Fatalf("publish to DLQ: want ErrReservedTopic, got %v", err)
	}

	b.publish(t, 0, "a")
	if err := b.DeleteTopic(ctx, "orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if len(b.ListTopics()) != 0 {
		t.Errorf("topics left after delete: %v", b.ListTopics())
	}
	if _, err := b.Publish(ctx, broker.PublishRequest{Topic: "orders", Body: []byte("x")}); !errors.Is(err, topic.ErrNotFound) {
		t.Errorf("publish after delete: want ErrNotFound, got %v", err)
	}

	// Recreating starts from empty queues.
	if _, err := b.CreateTopic(ctx, "orders", 1); err != nil {
		t.Fatalf("CreateTopic again: %v", err)
	}
	if resp := b.publish(t, 0, "b"); resp.Offset != 0 {
		t.Errorf("first offset after recreate: want 0, got %d", resp.Offset)
	}
}

// ─── Publish ─────────────────────────────────────────────────────────────────

func TestBroker_Publish_QueueSelection(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{})

	resp := b.publish(t, 1, "pinned")
	if resp.MessageID == "" || resp.Queue != 1 || resp.Offset != 0 {
		t.Fatalf("explicit queue: got %+v", resp)
	}

	// Round-robin touches both queues.
	seen := map[int32]bool{}
	for i := 0; i < 4; i++ {
		seen[b.publish(t, broker.AnyQueue, "rr").Queue] = true
	}
	if len(seen) != 2 {
		t.Errorf("round-robin used queues %v", seen)
	}

	// A key always maps to the same queue.
	var first int32 = -1
	for i := 0; i < 5; i++ {
		r, err := b.Publish(ctx, broker.PublishRequest{Topic: "orders", Key: "customer-42", Body: []byte("k")})
		if err != nil {
			t.Fatalf("Publish with key: %v", err)
		}
		if first >= 0 && r.Queue != first {
			t.Fatalf("key moved from queue %d to %d", first, r.Queue)
		}
		first = r.Queue
	}

	if _, err := b.Publish(ctx, broker.PublishRequest{Topic: "orders", Queue: 7}); !errors.Is(err, broker.ErrQueueOutOfRange) {
		t.Errorf("queue 7: want ErrQueueOutOfRange, got %v", err)
	}
}

func TestBroker_Publish_RateLimited(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{PublishRate: 0.001, PublishBurst: 2})
	b.publish(t, 0, "1")
	b.publish(t, 0, "2")
	if _, err := b.Publish(ctx, broker.PublishRequest{Topic: "orders", Body: []byte("3")}); !errors.Is(err, broker.ErrRateLimited) {
		t.Fatalf("third publish: want ErrRateLimited, got %v", err)
	}
}

// ─── Pop / Ack ───────────────────────────────────────────────────────────────

func TestBroker_PopAck_FullCycle(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{})
	b.publish(t, 0, "hello")

	resp := b.pop(t, broker.PopRequest{Queue: 0, MaxCount: 10})
	if len(resp.Messages) != 1 || resp.Serial != 1 {
		t.Fatalf("Pop: want 1 message at serial 1, got %+v", resp)
	}
	d := resp.Messages[0]
	if string(d.Message.Body) != "hello" || d.Message.NodeID != "test-node" || d.Attempts != 1 {
		t.Errorf("unexpected delivery %+v", d)
	}

	ack, err := b.Ack(ctx, d.Receipt)
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if ack.Serial != 2 || ack.Duplicate {
		t.Errorf("Ack: got %+v", ack)
	}

	// A retried ack is answered with the original serial.
	again, err := b.Ack(ctx, d.Receipt)
	if err != nil {
		t.Fatalf("retried Ack: %v", err)
	}
	if again.Serial != 2 || !again.Duplicate {
		t.Errorf("retried Ack: got %+v", again)
	}

	st, err := b.TopicStats(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicStats: %v", err)
	}
	if st.Visible != 0 || st.InFlight != 0 || st.Queues[0].Counters.Acked != 1 {
		t.Errorf("TopicStats after ack: %+v", st)
	}
}

func TestBroker_Ack_StaleReceipt(t *testing.T) {
	clock := fakeClock()
	b := newTestBroker(t, clock, broker.Config{})
	b.publish(t, 0, "x")

	first := b.pop(t, broker.PopRequest{InvisibleDuration: time.Second})
	clock.Advance(2 * time.Second)
	second := b.pop(t, broker.PopRequest{InvisibleDuration: time.Minute})
	if len(second.Messages) != 1 || second.Messages[0].Attempts != 2 {
		t.Fatalf("redelivery: got %+v", second)
	}

	stale, err := b.Ack(ctx, first.Messages[0].Receipt)
	if !errors.Is(err, statemachine.ErrStaleLease) {
		t.Fatalf("stale ack: want ErrStaleLease, got %v", err)
	}
	// The stale ack was logged under its own serial.
	if stale == nil || stale.Serial != 3 {
		t.Fatalf("stale ack: want serial 3, got %+v", stale)
	}
	if _, err := b.Ack(ctx, second.Messages[0].Receipt); err != nil {
		t.Fatalf("current ack: %v", err)
	}
}

func TestBroker_Ack_InvalidReceipt(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{})
	if _, err := b.Ack(ctx, "!!not-base64!!"); !errors.Is(err, broker.ErrInvalidReceipt) {
		t.Errorf("want ErrInvalidReceipt, got %v", err)
	}
	foreign := broker.Receipt{Queue: types.QueueID{Topic: "ghost"}, Offset: 0, Token: 1}.String()
	if _, err := b.Ack(ctx, foreign); !errors.Is(err, topic.ErrNotFound) {
		t.Errorf("want topic.ErrNotFound, got %v", err)
	}
}

func TestBroker_ChangeInvisibleDuration_Releases(t *testing.T) {
	b := newTestBroker(t, fakeClock(), broker.Config{})
	b.publish(t, 0, "x")
	d := b.pop(t, broker.PopRequest{}).Messages[0]

	if got := b.pop(t, broker.PopRequest{}); len(got.Messages) != 0 {
		t.Fatalf("leased message popped twice: %+v", got)
	}
	if _, err := b.ChangeInvisibleDuration(ctx, d.Receipt, 0); err != nil {
		t.Fatalf("ChangeInvisibleDuration: %v", err)
	}
	got := b.pop(t, broker.PopRequest{})
	if len(got.Messages) != 1 || got.Messages[0].Attempts != 2 {
		t.Fatalf("released message not redelivered: %+v", got)
	}
}

func TestBroker_Pop_DeadLetters(t *testing.T) {
	clock := fakeClock()
	b := newTestBroker(t, clock, broker.Config{})
	b.publish(t, 0, "poison")

	for i := 0; i < 2; i++ {
		if got := b.pop(t, broker.PopRequest{InvisibleDuration: time.Second}); len(got.Messages) != 1 {
			t.Fatalf("delivery %d: %+v", i+1, got)
		}
		clock.Advance(2 * time.Second)
	}
	resp := b.pop(t, broker.PopRequest{})
	if len(resp.Messages) != 0 || resp.DeadLettered != 1 {
		t.Fatalf("third pop: want 1 dead-lettered, got %+v", resp)
	}

	st, err := b.TopicStats(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicStats: %v", err)
	}
	if st.DLQDepth != 1 || st.Queues[0].Counters.Dead != 1 {
		t.Errorf("TopicStats: %+v", st)
	}

	dead, err := b.Pop(ctx, broker.PopRequest{Topic: "__dlq__orders"})
	if err != nil {
		t.Fatalf("pop DLQ: %v", err)
	}
	if len(dead.Messages) != 1 || string(dead.Messages[0].Message.Body) != "poison" {
		t.Fatalf("DLQ content: %+v", dead)
	}
}

func TestBroker_Pop_LongPollWokenByPublish(t *testing.T) {
	b := newTestBroker(t, clockwork.NewRealClock(), broker.Config{})

	done := make(chan *broker.PopResponse, 1)
	go func() {
		resp, err := b.Pop(ctx, broker.PopRequest{Topic: "orders", Queue: 1, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("Pop: %v", err)
		}
		done <- resp
	}()

	time.Sleep(50 * time.Millisecond)
	b.publish(t, 1, "late")

	select {
	case resp := <-done:
		if resp == nil || len(resp.Messages) != 1 {
			t.Fatalf("long poll: got %+v", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long poll was not woken by publish")
	}
}

func TestBroker_Start_RecoversRegisteredTopics(t *testing.T) {
	clock := fakeClock()
	store := memory.New()
	dir := t.TempDir()

	open := func() *broker.Broker {
		qcfg := queue.DefaultConfig()
		qcfg.ReclaimInterval = 0
		reg, err := topic.New(dir, clock)
		if err != nil {
			t.Fatalf("topic.New: %v", err)
		}
		return broker.New(queue.NewManager(store, qcfg, queue.WithClock(clock)), reg, broker.Config{}, broker.WithClock(clock))
	}

	b1 := open()
	if _, err := b1.CreateTopic(ctx, "orders", 1); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := b1.Publish(ctx, broker.PublishRequest{Topic: "orders", Body: []byte("a")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := b1.Pop(ctx, broker.PopRequest{Topic: "orders"})
	if err != nil || len(d.Messages) != 1 {
		t.Fatalf("Pop: %+v %v", d, err)
	}
	_ = b1.Close()

	b2 := open()
	t.Cleanup(func() { _ = b2.Close() })
	if err := b2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := b2.Stats(); st.Queues != 1 {
		t.Fatalf("Start activated %d queues, want 1", st.Queues)
	}
	// The lease survived the restart: the receipt is still current.
	if _, err := b2.Ack(ctx, d.Messages[0].Receipt); err != nil {
		t.Fatalf("Ack after restart: %v", err)
	}
}
