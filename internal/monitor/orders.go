package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lotwatch/internal/config"
	"lotwatch/internal/market"
	"lotwatch/internal/notify"
	"lotwatch/internal/repo"
)

func (s *Supervisor) pollOrders(ctx context.Context, st config.Settings) error {
	cookie, err := session(st)
	if err != nil {
		return err
	}
	orders, err := s.market.FetchOrders(ctx, cookie)
	if err != nil {
		return fmt.Errorf("fetch orders: %w", err)
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.announceCreated(ctx, st, cookie, order); err != nil {
			s.logger.Warn("order notification failed", "order_id", order.ID, "error", err)
		}
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.trackStatus(ctx, order); err != nil {
			s.logger.Warn("order status check failed", "order_id", order.ID, "error", err)
		}
	}
	return nil
}

// announceCreated emits a CREATED order once: plugin hook, auto-delivery, sink,
// then the persisted flag. A failed sink with nothing delivered leaves the order
// unmarked for the next cycle; the plugin hook is not dispatched again.
func (s *Supervisor) announceCreated(ctx context.Context, st config.Settings, cookie string, order market.Order) error {
	if order.ID == "" || order.Status != market.StatusCreated || s.seenOrders.has(order.ID) {
		return nil
	}
	rec, err := s.store.GetOrderRecord(ctx, order.ID.String())
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("read order record: %w", err)
	}
	if rec != nil && rec.CreatedNotified {
		s.seenOrders.add(order.ID)
		return nil
	}

	if s.plugins != nil && !s.hookedOrders.has(order.ID) {
		s.plugins.OnOrderCreated(ctx, order, s.pluginContext(st))
		s.hookedOrders.add(order.ID)
	}
	fulfillment := s.fulfill(ctx, st, cookie, order)

	sinkErr := s.sink.OrderCreated(ctx, order, fulfillment)
	delivered := fulfillment != nil && len(fulfillment.Codes) > 0
	if sinkErr != nil && !delivered {
		return fmt.Errorf("notify order: %w", sinkErr)
	}
	if sinkErr != nil {
		s.logger.Warn("order notification failed after delivery", "order_id", order.ID, "error", sinkErr)
	} else {
		s.emitted("orders", "created")
	}
	s.logger.Info("new order",
		"order_id", order.ID,
		"buyer", order.BuyerName(),
		"price", order.Price(),
		"delivered", delivered,
	)

	if err := s.store.MarkOrderNotified(ctx, order.ID.String()); err != nil {
		s.storeFailed("mark_order_notified", err, "order_id", order.ID)
	}
	s.seenOrders.add(order.ID)
	return nil
}

// fulfill pops one stored code per unit and sends what it got to the buyer's
// chat. Short inventory delivers what exists.
func (s *Supervisor) fulfill(ctx context.Context, st config.Settings, cookie string, order market.Order) *notify.Fulfillment {
	product := order.OfferDetails.ProductName()
	if product == "" {
		return nil
	}
	f := &notify.Fulfillment{Product: product, Requested: order.Units()}
	for i := 0; i < f.Requested; i++ {
		code, err := s.store.PopInventoryItem(ctx, product)
		if errors.Is(err, repo.ErrNotFound) {
			break
		}
		if err != nil {
			s.storeFailed("pop_inventory_item", err, "product", product, "order_id", order.ID)
			break
		}
		f.Codes = append(f.Codes, code)
	}
	if len(f.Codes) == 0 {
		return f
	}
	if len(f.Codes) < f.Requested {
		s.logger.Warn("inventory short", "product", product, "requested", f.Requested, "delivered", len(f.Codes))
	}

	chats, err := s.market.FetchChats(ctx, cookie)
	if err != nil {
		s.logger.Warn("find buyer chat failed", "order_id", order.ID, "error", err)
		return f
	}
	chatID, ok := chats.FindChatWith(order.User.ID)
	if !ok {
		s.logger.Warn("buyer chat not found", "order_id", order.ID, "buyer_id", order.User.ID)
		return f
	}
	f.ChatID = chatID
	if err := s.market.SendMessage(ctx, cookie, chatID, st.Watermark(strings.Join(f.Codes, "\n"))); err != nil {
		s.logger.Warn("deliver codes failed", "order_id", order.ID, "chat_id", chatID, "error", err)
		return f
	}
	f.Sent = true
	s.emitted("orders", "delivered")
	return f
}

// trackStatus seeds an unseen order status silently and announces a change to
// COMPLETED before persisting it.
func (s *Supervisor) trackStatus(ctx context.Context, order market.Order) error {
	if order.ID == "" || order.Status == "" {
		return nil
	}
	orderID := order.ID.String()
	rec, err := s.store.GetOrderRecord(ctx, orderID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("read order record: %w", err)
	}
	if rec == nil || rec.LastStatus == "" {
		if err := s.store.SetOrderStatus(ctx, orderID, order.Status); err != nil {
			s.storeFailed("seed_order_status", err, "order_id", orderID)
		}
		return nil
	}
	if rec.LastStatus == order.Status {
		return nil
	}
	if order.Status == market.StatusCompleted {
		if err := s.sink.OrderCompleted(ctx, order); err != nil {
			return fmt.Errorf("notify completion: %w", err)
		}
		s.emitted("orders", "completed")
		s.logger.Info("order completed", "order_id", orderID, "buyer", order.BuyerName())
	}
	if err := s.store.SetOrderStatus(ctx, orderID, order.Status); err != nil {
		s.storeFailed("set_order_status", err, "order_id", orderID)
	}
	return nil
}
