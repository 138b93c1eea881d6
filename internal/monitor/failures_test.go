package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"lotwatch/internal/market"
	"lotwatch/internal/metrics"
	"lotwatch/internal/notify"
	"lotwatch/internal/repo"
)

// brokenStore fails every cursor write after the test has seeded its state.
type brokenStore struct {
	repo.Store
}

var errDiskFull = errors.New("disk full")

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func (brokenStore) SetLastNotifiedMessage(context.Context, string, string) error {
	return errDiskFull
}

func (brokenStore) MarkOrderNotified(context.Context, string) error {
	return errDiskFull
}

func TestChatStoreWriteFailureKeepsLoopGoing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")
	h.setChat(msg("m3", "u1", "b"), msg("m3", "u1", "b"), msg("m2", "u1", "a"), msg("m1", "u1", "x"))
	h.store = brokenStore{Store: h.store}

	sup := h.supervisor()
	sup.metrics = metrics.Registry("")
	before := counterValue(t, sup.metrics.StoreWriteFailures.WithLabelValues("set_last_notified_message"))

	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("store failure must not fail the iteration: %v", err)
	}
	if len(h.sink.chats) != 2 || h.sink.chats[0].MessageID != "m2" || h.sink.chats[1].MessageID != "m3" {
		t.Fatalf("expected both messages emitted, got %+v", h.sink.chats)
	}
	after := counterValue(t, sup.metrics.StoreWriteFailures.WithLabelValues("set_last_notified_message"))
	if after-before != 2 {
		t.Fatalf("expected 2 counted store failures, got %v", after-before)
	}
}

func TestOrderStoreWriteFailureStillNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	second := gemsOrder(market.StatusCreated, 1)
	second.ID = "o2"
	h.market.orders = []market.Order{gemsOrder(market.StatusCreated, 1), second}
	h.store = brokenStore{Store: h.store}

	sup := h.supervisor()
	sup.metrics = metrics.Registry("")
	before := counterValue(t, sup.metrics.StoreWriteFailures.WithLabelValues("mark_order_notified"))

	for i := 0; i < 2; i++ {
		if err := sup.pollOrders(ctx, h.settings); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(h.sink.created) != 2 {
		t.Fatalf("expected each order announced once, got %d", len(h.sink.created))
	}
	after := counterValue(t, sup.metrics.StoreWriteFailures.WithLabelValues("mark_order_notified"))
	if after-before != 2 {
		t.Fatalf("expected 2 counted store failures, got %v", after-before)
	}
}

func TestOrderHookNotRepeatedWhileSinkFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.orders = []market.Order{gemsOrder(market.StatusCreated, 1)}
	h.sink.createdErr = errors.New("whatsapp down")

	sup := h.supervisor()
	for i := 0; i < 5; i++ {
		if err := sup.pollOrders(ctx, h.settings); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(h.plugins.orders) != 1 {
		t.Fatalf("expected one order hook dispatch, got %d", len(h.plugins.orders))
	}

	h.sink.createdErr = nil
	if err := sup.pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if len(h.sink.created) != 1 || len(h.plugins.orders) != 1 {
		t.Fatalf("expected one notification and one hook, got %d and %d", len(h.sink.created), len(h.plugins.orders))
	}
}

func TestChatHookRunsOnceWhenSinkFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")
	h.setChat(msg("m2", "u1", "a"), msg("m2", "u1", "a"), msg("m1", "u1", "x"))
	h.sink.chatErr = func(notify.ChatEvent) error { return errors.New("whatsapp down") }

	sup := h.supervisor()
	for i := 0; i < 3; i++ {
		if err := sup.pollChats(ctx, h.settings); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(h.plugins.messages) != 1 || h.plugins.messages[0].MessageID != "m2" {
		t.Fatalf("expected one hook dispatch for m2, got %+v", h.plugins.messages)
	}

	h.sink.chatErr = nil
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if len(h.sink.chats) != 1 || len(h.plugins.messages) != 1 {
		t.Fatalf("expected one notification and one hook, got %d and %d", len(h.sink.chats), len(h.plugins.messages))
	}
}
