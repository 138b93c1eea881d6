package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lotwatch/internal/market"
	"lotwatch/internal/notify"
)

func msg(id, author, content string) market.Message {
	return market.Message{ID: market.ID(id), AuthorID: market.ID(author), Content: content}
}

func chatWith(last market.Message, unread int) market.Chat {
	m := last
	return market.Chat{
		ID:                 "c1",
		UnreadMessageCount: unread,
		LastMessage:        &m,
		Participants: []market.User{
			{ID: "me", Username: "seller"},
			{ID: "u1", Username: "buyer"},
		},
	}
}

func (h *harness) setChat(last market.Message, messages ...market.Message) {
	h.market.mu.Lock()
	defer h.market.mu.Unlock()
	h.market.chats = &market.ChatList{
		User:  &market.User{ID: "me"},
		Chats: []market.Chat{chatWith(last, len(messages))},
	}
	h.market.messages = map[market.ID][]market.Message{"c1": messages}
}

func TestChatSeedsCursorWithoutNotifying(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setChat(msg("m1", "u1", "old history"))

	if err := h.supervisor().pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if len(h.sink.chats) != 0 {
		t.Fatalf("first sighting must not notify, got %+v", h.sink.chats)
	}
	cursor, err := h.store.GetChatCursor(ctx, "c1")
	if err != nil || cursor.LastNotifiedMessageID != "m1" {
		t.Fatalf("expected cursor m1, got %+v %v", cursor, err)
	}
}

func TestChatEmitsNewMessagesOldestFirstOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.SetLastNotifiedMessage(ctx, "c1", "m1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	auto := msg("m5", "u1", "system")
	auto.Metadata.IsAuto = true
	h.setChat(msg("m4", "u1", "second"),
		msg("m4", "u1", "second"),
		auto,
		msg("m3", "me", "my reply"),
		msg("m2", "u1", "  first  "),
		msg("m1", "u1", "already seen"),
		msg("m0", "u1", "older"),
	)

	sup := h.supervisor()
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if len(h.sink.chats) != 2 {
		t.Fatalf("expected 2 events, got %+v", h.sink.chats)
	}
	if h.sink.chats[0].MessageID != "m2" || h.sink.chats[0].Text != "first" || h.sink.chats[1].MessageID != "m4" {
		t.Fatalf("unexpected order %+v", h.sink.chats)
	}
	if h.sink.chats[0].Username != "buyer" {
		t.Fatalf("expected buyer username, got %q", h.sink.chats[0].Username)
	}
	if len(h.market.limits) != 1 || h.market.limits[0] != 50 {
		t.Fatalf("expected a fetch limit of 50, got %v", h.market.limits)
	}
	if len(h.plugins.messages) != 2 || h.plugins.messages[1].MessageID != "m4" {
		t.Fatalf("expected plugin dispatch per message, got %+v", h.plugins.messages)
	}
	cursor, _ := h.store.GetChatCursor(ctx, "c1")
	if cursor.LastNotifiedMessageID != "m4" {
		t.Fatalf("expected cursor m4, got %q", cursor.LastNotifiedMessageID)
	}

	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if err := h.supervisor().pollChats(ctx, h.settings); err != nil {
		t.Fatalf("poll after restart: %v", err)
	}
	if len(h.sink.chats) != 2 {
		t.Fatalf("messages must be notified once, got %d events", len(h.sink.chats))
	}
}

func TestChatImageOnlyAndTruncation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")

	photo := msg("m2", "u1", "")
	photo.Images = []market.Image{{ID: "img", Extension: "jpg"}}
	long := msg("m3", "u1", strings.Repeat("я", 600))
	empty := msg("m4", "u1", "   ")
	h.setChat(empty, empty, long, photo, msg("m1", "u1", "x"))

	if err := h.supervisor().pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if len(h.sink.chats) != 2 {
		t.Fatalf("expected 2 events, got %+v", h.sink.chats)
	}
	if h.sink.chats[0].Text != "[photo]" || h.sink.chats[0].ImageURL != "https://cdn.test/messages/img-preview.jpg" {
		t.Fatalf("unexpected photo event %+v", h.sink.chats[0])
	}
	text := h.sink.chats[1].Text
	if len([]rune(text)) != notify.MaxSnippetRunes || !strings.HasSuffix(text, "...") {
		t.Fatalf("expected truncated snippet, got %d runes", len([]rune(text)))
	}
}

func TestChatFallsBackToLastMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")
	h.setChat(msg("m2", "u1", "are you there?"))
	h.market.msgErr = errors.New("timeout")

	if err := h.supervisor().pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if len(h.sink.chats) != 1 || h.sink.chats[0].MessageID != "m2" {
		t.Fatalf("expected fallback event, got %+v", h.sink.chats)
	}
}

func TestChatSkipsSelfAuthoredLastMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")
	h.setChat(msg("m2", "me", "thanks"), msg("m2", "me", "thanks"), msg("m1", "u1", "x"))

	if err := h.supervisor().pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if len(h.sink.chats) != 0 {
		t.Fatalf("own messages must not notify, got %+v", h.sink.chats)
	}
}

func TestChatSinkFailureStopsBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")
	h.setChat(msg("m3", "u1", "b"), msg("m3", "u1", "b"), msg("m2", "u1", "a"), msg("m1", "u1", "x"))
	h.sink.chatErr = func(evt notify.ChatEvent) error {
		if evt.MessageID == "m3" {
			return errors.New("whatsapp down")
		}
		return nil
	}

	sup := h.supervisor()
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	cursor, _ := h.store.GetChatCursor(ctx, "c1")
	if cursor.LastNotifiedMessageID != "m2" {
		t.Fatalf("cursor must stop before the failed message, got %q", cursor.LastNotifiedMessageID)
	}

	h.sink.chatErr = nil
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("retry poll: %v", err)
	}
	if len(h.sink.chats) != 2 || h.sink.chats[1].MessageID != "m3" {
		t.Fatalf("expected m3 on retry, got %+v", h.sink.chats)
	}
}

func TestChatWelcomeHonoursCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.settings.WelcomeEnabled = true
	h.settings.WelcomeCooldownMinutes = 60
	h.settings.WelcomeText = "hello, I'll be right back"
	_ = h.store.SetLastNotifiedMessage(ctx, "c1", "m1")

	base := time.Unix(1_700_000_000, 0)
	sup := h.supervisor()
	sup.now = func() time.Time { return base }

	h.setChat(msg("m3", "u1", "b"), msg("m3", "u1", "b"), msg("m2", "u1", "a"), msg("m1", "u1", "x"))
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if got := h.market.sentTo("c1"); len(got) != 1 || got[0] != "hello, I'll be right back" {
		t.Fatalf("expected one welcome per batch, got %v", got)
	}
	cursor, _ := h.store.GetChatCursor(ctx, "c1")
	if cursor.LastUserMessageAt == nil || !cursor.LastUserMessageAt.Equal(base) {
		t.Fatalf("expected welcome time persisted, got %v", cursor.LastUserMessageAt)
	}

	sup.now = func() time.Time { return base.Add(10 * time.Minute) }
	h.setChat(msg("m4", "u1", "c"), msg("m4", "u1", "c"), msg("m3", "u1", "b"))
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if got := h.market.sentTo("c1"); len(got) != 1 {
		t.Fatalf("welcome must respect cooldown, got %v", got)
	}

	sup.now = func() time.Time { return base.Add(2 * time.Hour) }
	h.setChat(msg("m5", "u1", "d"), msg("m5", "u1", "d"), msg("m4", "u1", "c"))
	if err := sup.pollChats(ctx, h.settings); err != nil {
		t.Fatalf("pollChats: %v", err)
	}
	if got := h.market.sentTo("c1"); len(got) != 2 {
		t.Fatalf("expected a second welcome after cooldown, got %v", got)
	}
}

func TestChatRequiresSession(t *testing.T) {
	h := newHarness(t)
	h.settings.SessionCookie = " "
	err := h.supervisor().pollChats(context.Background(), h.settings)
	if !errors.Is(err, errNoSession) {
		t.Fatalf("expected errNoSession, got %v", err)
	}
}

func TestResolveUsername(t *testing.T) {
	chat := market.Chat{Participants: []market.User{
		{ID: "me", Username: "seller"},
		{ID: "u1", Username: "alice"},
		{ID: "u2", Username: "bob"},
	}}
	cases := []struct {
		name   string
		chat   market.Chat
		author market.ID
		want   string
	}{
		{"author participant", chat, "u2", "bob"},
		{"unknown author", chat, "u9", "alice"},
		{"no author", chat, "", "alice"},
		{"only self", market.Chat{Participants: []market.User{{ID: "me", Username: "seller"}}}, "", "seller"},
		{"nobody", market.Chat{}, "u1", "Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveUsername(tc.chat, "me", tc.author); got != tc.want {
				t.Fatalf("resolveUsername = %q, want %q", got, tc.want)
			}
		})
	}
}
