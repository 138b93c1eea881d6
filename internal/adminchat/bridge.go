// Package adminchat turns operator WhatsApp messages into plugin commands.
package adminchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"

	"lotwatch/internal/config"
	"lotwatch/internal/market"
	"lotwatch/internal/notify"
	"lotwatch/internal/plugin"
	"lotwatch/internal/repo"
	"lotwatch/internal/wa"
)

// Sender delivers the reply text.
type Sender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// Dispatcher is the plugin side of the bridge.
type Dispatcher interface {
	OnCommand(ctx context.Context, inv plugin.Invocation, pc *plugin.Context) (string, bool, error)
	OnMessage(ctx context.Context, msg plugin.Inbound, pc *plugin.Context)
	Commands() []plugin.CommandInfo
}

// OrderDesk is the marketplace side of the order built-ins.
type OrderDesk interface {
	FetchOrders(ctx context.Context, session string) ([]market.Order, error)
	RefundOrder(ctx context.Context, session string, orderID market.ID) error
}

// Options configures a Bridge.
type Options struct {
	Sender    Sender
	Plugins   Dispatcher
	Store     repo.Store
	Settings  config.SettingsSource
	Messenger plugin.Messenger
	Orders    OrderDesk
	Admins    []types.JID
	Logger    *slog.Logger
}

// Bridge implements wa.MessageProcessor for operator chats.
type Bridge struct {
	sender    Sender
	plugins   Dispatcher
	store     repo.Store
	settings  config.SettingsSource
	messenger plugin.Messenger
	orders    OrderDesk
	admins    map[string]bool
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Bridge. Messages from senders outside Admins are ignored.
func New(opts Options) *Bridge {
	admins := make(map[string]bool, len(opts.Admins))
	for _, jid := range opts.Admins {
		admins[jid.User] = true
	}
	return &Bridge{
		sender:    opts.Sender,
		plugins:   opts.Plugins,
		store:     opts.Store,
		settings:  opts.Settings,
		messenger: opts.Messenger,
		orders:    opts.Orders,
		admins:    admins,
		logger:    opts.Logger.With("component", "adminchat"),
		now:       time.Now,
	}
}

// ProcessMessage handles one inbound operator message.
func (b *Bridge) ProcessMessage(ctx context.Context, in wa.Inbound) {
	sender := in.Sender.ToNonAD()
	if !b.admins[sender.User] {
		b.logger.Debug("ignoring message from non-admin", "from", sender.String())
		return
	}
	ctx = wa.WithReply(ctx, in.Event)

	inv, isCommand := plugin.ParseCommand(in.Text)
	if !isCommand {
		if b.plugins != nil {
			b.plugins.OnMessage(ctx, plugin.Inbound{Text: in.Text, From: sender.String()}, b.pluginContext())
		}
		return
	}
	inv.From = sender.String()

	reply := b.handleCommand(ctx, inv)
	if reply == "" {
		return
	}
	to := in.Chat
	if to.IsEmpty() {
		to = sender
	}
	if err := b.sender.SendText(ctx, to, reply); err != nil {
		b.logger.Error("send admin reply failed", "to", to.String(), "command", inv.Command, "error", err)
	}
}

func (b *Bridge) handleCommand(ctx context.Context, inv plugin.Invocation) string {
	switch inv.Command {
	case "help":
		return b.help()
	case "stock":
		return b.stock(ctx, inv.Args)
	case "refund":
		return b.refund(ctx, inv.Args)
	case "stats":
		return b.stats(ctx)
	}
	if b.plugins == nil {
		return unknown(inv.Command)
	}
	reply, handled, err := b.plugins.OnCommand(ctx, inv, b.pluginContext())
	switch {
	case !handled:
		return unknown(inv.Command)
	case err != nil:
		b.logger.Warn("admin command failed", "command", inv.Command, "error", err)
		return fmt.Sprintf("/%s failed: %v", inv.Command, err)
	}
	return reply
}

func (b *Bridge) help() string {
	var sb strings.Builder
	sb.WriteString("Commands:\n/help - this list\n/stock [product] - stored codes")
	if b.orders != nil {
		sb.WriteString("\n/refund <order id> - refund an order\n/stats - sales per period")
	}
	if b.plugins != nil {
		for _, c := range b.plugins.Commands() {
			sb.WriteString("\n/" + c.Name)
			if c.Description != "" {
				sb.WriteString(" - " + c.Description)
			}
		}
	}
	return sb.String()
}

func (b *Bridge) stock(ctx context.Context, args []string) string {
	if b.store == nil {
		return "Inventory is unavailable."
	}
	if product := strings.TrimSpace(strings.Join(args, " ")); product != "" {
		n, err := b.store.CountInventory(ctx, product)
		if err != nil {
			b.logger.Warn("count inventory failed", "product", product, "error", err)
			return "Inventory is unavailable."
		}
		return fmt.Sprintf("%s: %d", product, n)
	}
	counts, err := b.store.ListInventoryProducts(ctx)
	if err != nil {
		b.logger.Warn("list inventory failed", "error", err)
		return "Inventory is unavailable."
	}
	return notify.FormatInventory(counts)
}

func (b *Bridge) refund(ctx context.Context, args []string) string {
	if b.orders == nil {
		return "Orders are unavailable."
	}
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "Usage: /refund <order id>"
	}
	orderID := market.ID(strings.TrimSpace(args[0]))
	if err := b.orders.RefundOrder(ctx, b.currentSettings().SessionCookie, orderID); err != nil {
		b.logger.Warn("refund failed", "order_id", orderID, "error", err)
		return fmt.Sprintf("Refund of order %s failed: %v", orderID, err)
	}
	b.logger.Info("order refunded", "order_id", orderID)
	return fmt.Sprintf("Order %s refunded.", orderID)
}

func (b *Bridge) stats(ctx context.Context) string {
	if b.orders == nil {
		return "Orders are unavailable."
	}
	orders, err := b.orders.FetchOrders(ctx, b.currentSettings().SessionCookie)
	if err != nil {
		b.logger.Warn("fetch orders for stats failed", "error", err)
		return fmt.Sprintf("Sales stats failed: %v", err)
	}
	return notify.FormatSalesStats(market.SummarizeOrders(orders, b.now()))
}

func (b *Bridge) currentSettings() config.Settings {
	if b.settings == nil {
		return config.DefaultSettings()
	}
	st, err := b.settings.Settings()
	if err != nil {
		b.logger.Warn("read settings failed, using defaults", "error", err)
	}
	return st
}

func (b *Bridge) pluginContext() *plugin.Context {
	st := b.currentSettings()
	return &plugin.Context{
		Session:   st.SessionCookie,
		Store:     b.store,
		Settings:  st,
		Messenger: b.messenger,
	}
}

func unknown(name string) string {
	return fmt.Sprintf("Unknown command /%s. Send /help for the list.", name)
}
