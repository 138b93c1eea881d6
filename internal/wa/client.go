package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"lotwatch/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config configures the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Client wraps the WhatsMeow client used for operator notifications and admin commands.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor MessageProcessor
}

// Inbound is a text message received from WhatsApp.
type Inbound struct {
	Sender types.JID
	Chat   types.JID
	Text   string
	Event  *events.Message
}

// MessageProcessor handles inbound WhatsApp text messages.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg Inbound)
}

type replyContextKey struct{}

// ReplyMetadata identifies the inbound message a reply quotes.
type ReplyMetadata struct {
	Message *waProto.Message
	Info    types.MessageInfo
}

// WithReply makes SendText calls under ctx quote evt. A nil evt leaves ctx as is.
func WithReply(ctx context.Context, evt *events.Message) context.Context {
	if evt == nil || evt.Message == nil {
		return ctx
	}
	quoted, ok := proto.Clone(evt.Message).(*waProto.Message)
	if !ok {
		quoted = evt.Message
	}
	return context.WithValue(ctx, replyContextKey{}, &ReplyMetadata{Message: quoted, Info: evt.Info})
}

func replyFromContext(ctx context.Context) *ReplyMetadata {
	meta, _ := ctx.Value(replyContextKey{}).(*ReplyMetadata)
	return meta
}

// New opens the device store at cfg.StorePath and builds a client for its
// first device. Call Start to connect.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite", storeDSN(cfg.StorePath), waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	wc := &Client{
		client:  whatsmeow.NewClient(device, waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)),
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	wc.client.AddEventHandler(wc.handleEvent)
	return wc, nil
}

// storeDSN is the modernc sqlite DSN of the device store.
func storeDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)"
}

// Start connects the client. An unpaired device logs QR codes until the
// operator scans one.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		c.logger.Info("device not paired, waiting for QR scan")
		go c.logPairing(qrChan)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	c.logger.Info("whatsapp connected", "paired", c.client.Store.ID != nil)
	return nil
}

func (c *Client) logPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			c.logger.Info("scan the QR code with the operator phone", "qr", evt.Code)
		case whatsmeow.QRChannelEventError:
			c.logger.Error("pairing failed", "error", evt.Error)
		default:
			c.logger.Info("pairing event", "event", evt.Event)
		}
	}
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// SetMessageProcessor routes inbound text messages to processor.
func (c *Client) SetMessageProcessor(processor MessageProcessor) {
	c.processor = processor
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	text := TextOf(evt.Message)
	if text == "" {
		c.logger.Debug("ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	c.logger.Debug("received text message", "from", evt.Info.Sender.String())

	if c.processor != nil {
		in := Inbound{
			Sender: evt.Info.Sender.ToNonAD(),
			Chat:   evt.Info.Chat,
			Text:   text,
			Event:  evt,
		}
		go c.processor.ProcessMessage(context.Background(), in)
	}
}

// TextOf extracts the text body of a plain or extended text message.
func TextOf(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return strings.TrimSpace(msg.GetConversation())
	case msg.ExtendedTextMessage != nil:
		return strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	default:
		return ""
	}
}

// ParseJIDs parses phone numbers or full JIDs into user JIDs.
func ParseJIDs(values []string) ([]types.JID, error) {
	out := make([]types.JID, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(strings.TrimPrefix(v, "+"))
		if v == "" {
			continue
		}
		if !strings.Contains(v, "@") {
			out = append(out, types.NewJID(v, types.DefaultUserServer))
			continue
		}
		jid, err := types.ParseJID(v)
		if err != nil {
			return nil, fmt.Errorf("parse jid %q: %w", v, err)
		}
		out = append(out, jid)
	}
	return out, nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SendText sends text to the JID. When ctx carries reply metadata the message
// quotes the original.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) error {
	if _, err := c.client.SendMessage(ctx, to, textMessage(text, replyFromContext(ctx))); err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("wa").Inc()
		}
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func textMessage(text string, reply *ReplyMetadata) *waProto.Message {
	if reply == nil || reply.Message == nil {
		return &waProto.Message{Conversation: proto.String(text)}
	}
	return &waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waProto.ContextInfo{
				StanzaID:      proto.String(string(reply.Info.ID)),
				Participant:   proto.String(reply.Info.Sender.ToNonAD().String()),
				RemoteJID:     proto.String(reply.Info.Chat.String()),
				QuotedMessage: reply.Message,
				QuotedType:    waProto.ContextInfo_EXPLICIT.Enum(),
			},
		},
	}
}
