// Package notify delivers detected events to the operator.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"go.mau.fi/whatsmeow/types"

	"lotwatch/internal/market"
	"lotwatch/internal/metrics"
)

// ChatEvent is one novel inbound chat message.
type ChatEvent struct {
	ChatID    market.ID
	MessageID market.ID
	Username  string
	Text      string
	ImageURL  string
}

// Fulfillment is the auto-delivery outcome of an order.
type Fulfillment struct {
	Product   string
	Requested int
	Codes     []string
	ChatID    market.ID
	Sent      bool
}

// Digest is an announcement, owner note or similar one-shot text.
type Digest struct {
	Key   string
	Title string
	Text  string
}

// Sink receives every event the loops emit. A returned error means the event was
// not delivered and the caller may retry it.
type Sink interface {
	ChatMessage(ctx context.Context, evt ChatEvent) error
	OrderCreated(ctx context.Context, order market.Order, f *Fulfillment) error
	OrderCompleted(ctx context.Context, order market.Order) error
	BumpSucceeded(ctx context.Context, lot market.Lot) error
	Digest(ctx context.Context, d Digest) error
	UpdateAvailable(ctx context.Context, latest, current string) error
}

// Log writes events to the structured log.
type Log struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLog returns a log sink. metrics may be nil.
func NewLog(logger *slog.Logger, m *metrics.Metrics) *Log {
	return &Log{logger: logger.With("component", "notify_log"), metrics: m}
}

func (l *Log) count(kind string) {
	if l.metrics != nil {
		l.metrics.NotifyMessages.WithLabelValues("log", kind).Inc()
	}
}

func (l *Log) ChatMessage(_ context.Context, evt ChatEvent) error {
	l.logger.Info("new chat message", "chat_id", evt.ChatID, "message_id", evt.MessageID, "from", evt.Username, "text", evt.Text, "image", evt.ImageURL != "")
	l.count("chat")
	return nil
}

func (l *Log) OrderCreated(_ context.Context, order market.Order, f *Fulfillment) error {
	delivered := 0
	if f != nil {
		delivered = len(f.Codes)
	}
	l.logger.Info("new order", "order_id", order.ID, "buyer", order.BuyerName(), "game", gameName(order), "category", categoryName(order), "price", order.Price(), "delivered", delivered)
	l.count("order_created")
	return nil
}

func (l *Log) OrderCompleted(_ context.Context, order market.Order) error {
	l.logger.Info("order completed", "order_id", order.ID, "buyer", order.BuyerName(), "game", gameName(order), "category", categoryName(order))
	l.count("order_completed")
	return nil
}

func (l *Log) BumpSucceeded(_ context.Context, lot market.Lot) error {
	l.logger.Info("listing raised", "lot_id", lot.ID, "title", lot.Title, "game_id", lot.GameID, "category_id", lot.CategoryID)
	l.count("bump")
	return nil
}

func (l *Log) Digest(_ context.Context, d Digest) error {
	l.logger.Info("announcement", "key", d.Key, "text", FormatDigest(d))
	l.count("digest")
	return nil
}

func (l *Log) UpdateAvailable(_ context.Context, latest, current string) error {
	l.logger.Info("update available", "latest", latest, "current", current)
	l.count("update")
	return nil
}

// TextSender sends a WhatsApp text message.
type TextSender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// WhatsApp sends rendered events to a fixed set of recipients.
type WhatsApp struct {
	sender     TextSender
	recipients []types.JID
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewWhatsApp returns a WhatsApp sink. metrics may be nil.
func NewWhatsApp(sender TextSender, recipients []types.JID, logger *slog.Logger, m *metrics.Metrics) *WhatsApp {
	return &WhatsApp{
		sender:     sender,
		recipients: recipients,
		logger:     logger.With("component", "notify_whatsapp"),
		metrics:    m,
	}
}

// send delivers text to every recipient. It fails only when nobody received it.
func (w *WhatsApp) send(ctx context.Context, kind, text string) error {
	if len(w.recipients) == 0 {
		return nil
	}
	var errs []error
	for _, to := range w.recipients {
		if err := w.sender.SendText(ctx, to, text); err != nil {
			w.logger.Warn("send notification failed", "to", to.String(), "kind", kind, "error", err)
			errs = append(errs, err)
			continue
		}
		if w.metrics != nil {
			w.metrics.NotifyMessages.WithLabelValues("whatsapp", kind).Inc()
		}
	}
	if len(errs) == len(w.recipients) {
		return errors.Join(errs...)
	}
	return nil
}

func (w *WhatsApp) ChatMessage(ctx context.Context, evt ChatEvent) error {
	return w.send(ctx, "chat", FormatChatMessage(evt))
}

func (w *WhatsApp) OrderCreated(ctx context.Context, order market.Order, f *Fulfillment) error {
	return w.send(ctx, "order_created", FormatOrderCreated(order, f))
}

func (w *WhatsApp) OrderCompleted(ctx context.Context, order market.Order) error {
	return w.send(ctx, "order_completed", FormatOrderCompleted(order))
}

func (w *WhatsApp) BumpSucceeded(ctx context.Context, lot market.Lot) error {
	return w.send(ctx, "bump", FormatBump(lot))
}

func (w *WhatsApp) Digest(ctx context.Context, d Digest) error {
	text := FormatDigest(d)
	if text == "" {
		return nil
	}
	return w.send(ctx, "digest", text)
}

func (w *WhatsApp) UpdateAvailable(ctx context.Context, latest, current string) error {
	return w.send(ctx, "update", FormatUpdate(latest, current))
}

// Multi fans every event out to all sinks in order. Like WhatsApp.send, it
// fails only when no sink delivered the event.
type Multi []Sink

func (m Multi) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) < len(m) {
		return nil
	}
	return errors.Join(errs...)
}

func (m Multi) ChatMessage(ctx context.Context, evt ChatEvent) error {
	return m.each(func(s Sink) error { return s.ChatMessage(ctx, evt) })
}

func (m Multi) OrderCreated(ctx context.Context, order market.Order, f *Fulfillment) error {
	return m.each(func(s Sink) error { return s.OrderCreated(ctx, order, f) })
}

func (m Multi) OrderCompleted(ctx context.Context, order market.Order) error {
	return m.each(func(s Sink) error { return s.OrderCompleted(ctx, order) })
}

func (m Multi) BumpSucceeded(ctx context.Context, lot market.Lot) error {
	return m.each(func(s Sink) error { return s.BumpSucceeded(ctx, lot) })
}

func (m Multi) Digest(ctx context.Context, d Digest) error {
	return m.each(func(s Sink) error { return s.Digest(ctx, d) })
}

func (m Multi) UpdateAvailable(ctx context.Context, latest, current string) error {
	return m.each(func(s Sink) error { return s.UpdateAvailable(ctx, latest, current) })
}

var (
	_ Sink = (*Log)(nil)
	_ Sink = (*WhatsApp)(nil)
	_ Sink = Multi(nil)
)
