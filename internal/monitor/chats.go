package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lotwatch/internal/config"
	"lotwatch/internal/market"
	"lotwatch/internal/notify"
	"lotwatch/internal/plugin"
	"lotwatch/internal/repo"
)

const minMessageFetch = 50

// pendingMessage is a novel message waiting to be emitted.
type pendingMessage struct {
	id       market.ID
	text     string
	imageURL string
}

func (s *Supervisor) pollChats(ctx context.Context, st config.Settings) error {
	cookie, err := session(st)
	if err != nil {
		return err
	}
	list, err := s.market.FetchChats(ctx, cookie)
	if err != nil {
		return fmt.Errorf("fetch chats: %w", err)
	}
	var self market.ID
	if list.User != nil {
		self = list.User.ID
	}
	for _, chat := range list.Chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processChat(ctx, st, cookie, self, chat); err != nil {
			s.logger.Warn("chat processing failed", "chat_id", chat.ID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) processChat(ctx context.Context, st config.Settings, cookie string, self market.ID, chat market.Chat) error {
	last := chat.LastMessage
	if chat.ID == "" || last == nil || last.ID == "" || last.Metadata.IsAuto {
		return nil
	}
	if s.seenMessages.has(last.ID) {
		return nil
	}
	chatID := chat.ID.String()

	cursor, err := s.store.GetChatCursor(ctx, chatID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("read cursor: %w", err)
	}
	if !cursor.Seeded() {
		if err := s.store.SetLastNotifiedMessage(ctx, chatID, last.ID.String()); err != nil {
			s.storeFailed("seed_chat_cursor", err, "chat_id", chatID)
			return nil
		}
		s.logger.Debug("chat cursor seeded", "chat_id", chatID, "message_id", last.ID)
		return nil
	}
	stored := cursor.LastNotifiedMessageID
	if stored == last.ID.String() {
		s.seenMessages.add(last.ID)
		return nil
	}

	pending, lastAuthor := s.collectMessages(ctx, cookie, self, chat, stored)
	if lastAuthor == "" {
		lastAuthor = last.AuthorRef()
	}
	fromSelf := self != "" && lastAuthor == self
	if len(pending) == 0 && !fromSelf {
		if text := notify.Snippet(last.Content); text != "" {
			pending = []pendingMessage{{id: last.ID, text: text}}
		}
	}
	if len(pending) == 0 {
		s.seenMessages.add(last.ID)
		return nil
	}

	username := resolveUsername(chat, self, lastAuthor)
	pc := s.pluginContext(st)

	lastUserAt := cursor.LastUserMessageAt
	welcomeSent := false
	for _, msg := range pending {
		if msg.id.String() == stored {
			continue
		}
		if st.WelcomeEnabled && st.WelcomeCooldown() > 0 {
			now := s.now()
			if lastUserAt == nil || now.Sub(*lastUserAt) >= st.WelcomeCooldown() {
				lastUserAt = &now
				welcomeSent = true
				if err := s.market.SendMessage(ctx, cookie, chat.ID, st.Watermark(st.WelcomeText)); err != nil {
					s.logger.Warn("welcome send failed", "chat_id", chatID, "error", err)
				}
			}
		}

		evt := notify.ChatEvent{
			ChatID:    chat.ID,
			MessageID: msg.id,
			Username:  username,
			Text:      msg.text,
			ImageURL:  msg.imageURL,
		}
		if s.plugins != nil && !s.hookedMessages.has(msg.id) {
			s.plugins.OnChatMessage(ctx, plugin.ChatMessage{
				ChatID:    chat.ID,
				MessageID: msg.id,
				Username:  username,
				Text:      msg.text,
			}, pc)
			s.hookedMessages.add(msg.id)
		}
		if err := s.sink.ChatMessage(ctx, evt); err != nil {
			s.persistWelcome(ctx, chatID, welcomeSent, lastUserAt)
			return fmt.Errorf("notify message %s: %w", msg.id, err)
		}
		s.emitted("chat", "message")
		s.logger.Info("new chat message", "chat_id", chatID, "message_id", msg.id, "from", username)

		if err := s.store.SetLastNotifiedMessage(ctx, chatID, msg.id.String()); err != nil {
			s.storeFailed("set_last_notified_message", err, "chat_id", chatID, "message_id", msg.id)
		}
		s.seenMessages.add(msg.id)
	}
	s.persistWelcome(ctx, chatID, welcomeSent, lastUserAt)
	return nil
}

func (s *Supervisor) persistWelcome(ctx context.Context, chatID string, sent bool, at *time.Time) {
	if !sent || at == nil {
		return
	}
	if err := s.store.SetLastUserMessageAt(ctx, chatID, *at); err != nil {
		s.storeFailed("set_last_user_message_at", err, "chat_id", chatID)
	}
}

// collectMessages returns the messages newer than stored, oldest first, and the
// author of the chat's last message when it was seen in the page. A failed fetch
// falls back to the chat's last message.
func (s *Supervisor) collectMessages(ctx context.Context, cookie string, self market.ID, chat market.Chat, stored string) ([]pendingMessage, market.ID) {
	limit := chat.UnreadMessageCount
	if limit < minMessageFetch {
		limit = minMessageFetch
	}
	messages, err := s.market.FetchChatMessages(ctx, cookie, chat.ID, limit)
	if err != nil {
		s.logger.Warn("fetch chat messages failed, using last message", "chat_id", chat.ID, "error", err)
		messages = []market.Message{*chat.LastMessage}
	}

	var (
		lastAuthor market.ID
		newest     []pendingMessage
	)
	for i := range messages {
		m := &messages[i]
		if m.ID == "" {
			continue
		}
		if m.ID.String() == stored {
			break
		}
		if m.Metadata.IsAuto || s.seenMessages.has(m.ID) {
			continue
		}
		author := m.AuthorRef()
		if m.ID == chat.LastMessage.ID && author != "" {
			lastAuthor = author
		}
		if self != "" && author == self {
			continue
		}
		imageURL := ""
		for _, img := range m.Images {
			if imageURL = s.market.ImagePreviewURL(img); imageURL != "" {
				break
			}
		}
		text := notify.ChatText(m.Content, imageURL)
		if text == "" {
			continue
		}
		newest = append(newest, pendingMessage{id: m.ID, text: text, imageURL: imageURL})
	}

	out := make([]pendingMessage, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		out = append(out, newest[i])
	}
	return out, lastAuthor
}

// resolveUsername names the counterpart of a chat: the participant who wrote the
// last message, else the first participant other than the signed-in user.
func resolveUsername(chat market.Chat, self, author market.ID) string {
	if author != "" {
		for _, p := range chat.Participants {
			if p.ID == author && p.Username != "" {
				return p.Username
			}
		}
	}
	for _, p := range chat.Participants {
		if self != "" && p.ID == self {
			continue
		}
		if p.Username != "" {
			return p.Username
		}
	}
	if len(chat.Participants) > 0 && chat.Participants[0].Username != "" {
		return chat.Participants[0].Username
	}
	return "Unknown"
}
