package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.mau.fi/whatsmeow/types"

	"lotwatch/internal/logging"
	"lotwatch/internal/market"
)

type fakeSender struct {
	mu     sync.Mutex
	failTo map[string]bool
	sent   map[string][]string
}

func (f *fakeSender) SendText(_ context.Context, to types.JID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to.User] {
		return errors.New("offline")
	}
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[to.User] = append(f.sent[to.User], text)
	return nil
}

func TestWhatsAppSinkPartialDeliverySucceeds(t *testing.T) {
	sender := &fakeSender{failTo: map[string]bool{"1": true}}
	recipients := []types.JID{types.NewJID("1", types.DefaultUserServer), types.NewJID("2", types.DefaultUserServer)}
	sink := NewWhatsApp(sender, recipients, logging.Discard(), nil)

	if err := sink.ChatMessage(context.Background(), ChatEvent{ChatID: "c1", Username: "bob", Text: "hi"}); err != nil {
		t.Fatalf("expected partial delivery to succeed, got %v", err)
	}
	if len(sender.sent["2"]) != 1 || !strings.Contains(sender.sent["2"][0], "bob") {
		t.Fatalf("unexpected delivery %+v", sender.sent)
	}
}

func TestWhatsAppSinkAllFailed(t *testing.T) {
	sender := &fakeSender{failTo: map[string]bool{"1": true}}
	sink := NewWhatsApp(sender, []types.JID{types.NewJID("1", types.DefaultUserServer)}, logging.Discard(), nil)

	if err := sink.OrderCompleted(context.Background(), market.Order{ID: "o1"}); err == nil {
		t.Fatal("expected error when no recipient was reached")
	}
}

type recordingSink struct {
	Log
	fail  bool
	calls int
}

func (r *recordingSink) UpdateAvailable(context.Context, string, string) error {
	r.calls++
	if r.fail {
		return errors.New("down")
	}
	return nil
}

func TestMultiCallsEverySink(t *testing.T) {
	a := &recordingSink{Log: *NewLog(logging.Discard(), nil), fail: true}
	b := &recordingSink{Log: *NewLog(logging.Discard(), nil)}

	if err := (Multi{a, b}).UpdateAvailable(context.Background(), "v2", "v1"); err != nil {
		t.Fatalf("one delivering sink is enough, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected both sinks called, got %d %d", a.calls, b.calls)
	}
}

func TestMultiFailsWhenEverySinkFails(t *testing.T) {
	a := &recordingSink{Log: *NewLog(logging.Discard(), nil), fail: true}
	b := &recordingSink{Log: *NewLog(logging.Discard(), nil), fail: true}

	if err := (Multi{a, b}).UpdateAvailable(context.Background(), "v2", "v1"); err == nil {
		t.Fatal("expected joined error")
	}
	if err := (Multi{}).UpdateAvailable(context.Background(), "v2", "v1"); err != nil {
		t.Fatalf("empty fan-out must not fail, got %v", err)
	}
}
