package monitor

import (
	"context"
	"errors"
	"testing"

	"lotwatch/internal/market"
)

func gemsOrder(status string, quantity int) market.Order {
	return market.Order{
		ID:           "o1",
		Status:       status,
		Quantity:     quantity,
		BasePrice:    9.5,
		User:         market.User{ID: "u1", Username: "buyer"},
		OfferDetails: market.OfferDetails{Name: "Gems"},
	}
}

func TestOrderCreatedDeliversShortInventoryOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.settings.WatermarkOn = true
	h.settings.WatermarkText = "[WM]"
	if _, err := h.store.AddInventoryItems(ctx, "Gems", []string{"CODE-1"}); err != nil {
		t.Fatalf("add inventory: %v", err)
	}
	h.setChat(msg("m1", "u1", "hi"))
	h.market.orders = []market.Order{gemsOrder(market.StatusCreated, 2)}

	sup := h.supervisor()
	if err := sup.pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("pollOrders: %v", err)
	}
	if len(h.sink.created) != 1 {
		t.Fatalf("expected one creation event, got %d", len(h.sink.created))
	}
	f := h.sink.created[0].fulfillment
	if f == nil || f.Requested != 2 || len(f.Codes) != 1 || f.Codes[0] != "CODE-1" || !f.Sent || f.ChatID != "c1" {
		t.Fatalf("unexpected fulfillment %+v", f)
	}
	if got := h.market.sentTo("c1"); len(got) != 1 || got[0] != "[WM]\n\nCODE-1" {
		t.Fatalf("unexpected delivery %v", got)
	}
	if len(h.plugins.orders) != 1 {
		t.Fatalf("expected plugin dispatch, got %v", h.plugins.orders)
	}

	if err := sup.pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if err := h.supervisor().pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("poll after restart: %v", err)
	}
	if len(h.sink.created) != 1 || len(h.plugins.orders) != 1 {
		t.Fatalf("creation must be notified once, got %d", len(h.sink.created))
	}
	rec, err := h.store.GetOrderRecord(ctx, "o1")
	if err != nil || !rec.CreatedNotified || rec.LastStatus != market.StatusCreated {
		t.Fatalf("unexpected record %+v %v", rec, err)
	}
}

func TestOrderCreatedWithoutInventory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.orders = []market.Order{gemsOrder(market.StatusCreated, 1)}

	if err := h.supervisor().pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("pollOrders: %v", err)
	}
	if len(h.sink.created) != 1 {
		t.Fatalf("expected creation event, got %d", len(h.sink.created))
	}
	if f := h.sink.created[0].fulfillment; f == nil || len(f.Codes) != 0 || f.Sent {
		t.Fatalf("expected empty fulfillment, got %+v", f)
	}
	if len(h.market.sent) != 0 {
		t.Fatalf("nothing should be sent to the buyer, got %+v", h.market.sent)
	}
}

func TestOrderCreatedRetriedWhenSinkFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.orders = []market.Order{gemsOrder(market.StatusCreated, 1)}
	h.sink.createdErr = errors.New("down")

	sup := h.supervisor()
	if err := sup.pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("pollOrders: %v", err)
	}
	if rec, _ := h.store.GetOrderRecord(ctx, "o1"); rec != nil && rec.CreatedNotified {
		t.Fatalf("failed notification must not be marked")
	}

	h.sink.createdErr = nil
	if err := sup.pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(h.sink.created) != 1 {
		t.Fatalf("expected delivery on retry, got %d", len(h.sink.created))
	}
}

func TestOrderCompletionNotifiedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.market.orders = []market.Order{gemsOrder("PAID", 1)}
	sup := h.supervisor()

	if err := sup.pollOrders(ctx, h.settings); err != nil {
		t.Fatalf("pollOrders: %v", err)
	}
	if len(h.sink.completed) != 0 || len(h.sink.created) != 0 {
		t.Fatalf("first sighting must be silent")
	}

	h.market.orders = []market.Order{gemsOrder(market.StatusCompleted, 1)}
	for i := 0; i < 2; i++ {
		if err := sup.pollOrders(ctx, h.settings); err != nil {
			t.Fatalf("pollOrders: %v", err)
		}
	}
	if len(h.sink.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(h.sink.completed))
	}
	rec, _ := h.store.GetOrderRecord(ctx, "o1")
	if rec.LastStatus != market.StatusCompleted {
		t.Fatalf("expected status persisted, got %q", rec.LastStatus)
	}
}

func TestCompletedOrderSeenFirstIsSilent(t *testing.T) {
	h := newHarness(t)
	h.market.orders = []market.Order{gemsOrder(market.StatusCompleted, 1)}
	if err := h.supervisor().pollOrders(context.Background(), h.settings); err != nil {
		t.Fatalf("pollOrders: %v", err)
	}
	if len(h.sink.completed) != 0 {
		t.Fatalf("an order first seen completed must not notify")
	}
}
