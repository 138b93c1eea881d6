package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"lotwatch/internal/market"
)

// OrderDesk is the marketplace side of the order routes.
type OrderDesk interface {
	FetchOrders(ctx context.Context, session string) ([]market.Order, error)
	RefundOrder(ctx context.Context, session string, orderID market.ID) error
}

func (s *Server) requireOrders(w http.ResponseWriter) bool {
	if s.deps.Orders == nil {
		writeError(w, http.StatusServiceUnavailable, "orders unavailable")
		return false
	}
	return true
}

func (s *Server) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrders(w) {
		return
	}
	orderID := market.ID(strings.TrimSpace(r.PathValue("id")))
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order id is required")
		return
	}
	if err := s.deps.Orders.RefundOrder(r.Context(), s.pluginContext().Session, orderID); err != nil {
		s.logger.Warn("refund failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Info("order refunded", "order_id", orderID)
	writeJSON(w, map[string]any{"order_id": orderID, "status": market.StatusRefund})
}

func (s *Server) handleSalesStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrders(w) {
		return
	}
	orders, err := s.deps.Orders.FetchOrders(r.Context(), s.pluginContext().Session)
	if err != nil {
		s.logger.Warn("fetch orders for stats failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]any{"periods": market.SummarizeOrders(orders, time.Now())})
}
