package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"lotwatch/internal/config"
	"lotwatch/internal/logging"
	"lotwatch/internal/market"
	"lotwatch/internal/notify"
	"lotwatch/internal/plugin"
	"lotwatch/internal/remote"
	"lotwatch/internal/repo"
	"lotwatch/migrations"
)

type sentMessage struct {
	chatID  market.ID
	content string
}

type fakeMarket struct {
	mu sync.Mutex

	chats    *market.ChatList
	messages map[market.ID][]market.Message
	msgErr   error
	limits   []int
	orders   []market.Order
	profile  *market.User
	lots     []market.Lot
	details  map[int64]*market.OfferDetail
	bumpErr  map[int64]error
	bumps    map[int64][]int64
	sent     []sentMessage
}

func (f *fakeMarket) FetchProfile(context.Context, string) (*market.User, error) {
	return f.profile, nil
}

func (f *fakeMarket) FetchChats(context.Context, string) (*market.ChatList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chats == nil {
		return &market.ChatList{}, nil
	}
	return f.chats, nil
}

func (f *fakeMarket) FetchChatMessages(_ context.Context, _ string, chatID market.ID, limit int) ([]market.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	return f.messages[chatID], nil
}

func (f *fakeMarket) FetchOrders(context.Context, string) ([]market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders, nil
}

func (f *fakeMarket) FetchLots(context.Context, string, market.ID) ([]market.Lot, error) {
	out := make([]market.Lot, len(f.lots))
	copy(out, f.lots)
	return out, nil
}

func (f *fakeMarket) FetchOfferDetail(_ context.Context, _ string, offerID int64) (*market.OfferDetail, error) {
	d, ok := f.details[offerID]
	if !ok {
		return nil, errors.New("no detail")
	}
	return d, nil
}

func (f *fakeMarket) SendMessage(_ context.Context, _ string, chatID market.ID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, content: content})
	return nil
}

func (f *fakeMarket) BumpListings(_ context.Context, _ string, gameID int64, categoryIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bumps == nil {
		f.bumps = map[int64][]int64{}
	}
	f.bumps[gameID] = categoryIDs
	return f.bumpErr[gameID]
}

func (f *fakeMarket) ImagePreviewURL(img market.Image) string {
	return fmt.Sprintf("https://cdn.test/messages/%s-preview.%s", img.ID, img.Extension)
}

func (f *fakeMarket) sentTo(chatID market.ID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.chatID == chatID {
			out = append(out, m.content)
		}
	}
	return out
}

type createdEvent struct {
	order       market.Order
	fulfillment *notify.Fulfillment
}

type fakeSink struct {
	mu sync.Mutex

	chats     []notify.ChatEvent
	created   []createdEvent
	completed []market.Order
	bumped    []market.Lot
	digests   []notify.Digest
	updates   []string

	chatErr    func(notify.ChatEvent) error
	createdErr error
}

func (s *fakeSink) ChatMessage(_ context.Context, evt notify.ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatErr != nil {
		if err := s.chatErr(evt); err != nil {
			return err
		}
	}
	s.chats = append(s.chats, evt)
	return nil
}

func (s *fakeSink) OrderCreated(_ context.Context, order market.Order, f *notify.Fulfillment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createdErr != nil {
		return s.createdErr
	}
	s.created = append(s.created, createdEvent{order: order, fulfillment: f})
	return nil
}

func (s *fakeSink) OrderCompleted(_ context.Context, order market.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, order)
	return nil
}

func (s *fakeSink) BumpSucceeded(_ context.Context, lot market.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumped = append(s.bumped, lot)
	return nil
}

func (s *fakeSink) Digest(_ context.Context, d notify.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, d)
	return nil
}

func (s *fakeSink) UpdateAvailable(_ context.Context, latest, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, latest)
	return nil
}

type fakeRemote struct {
	descriptor *remote.Descriptor
	notes      []remote.Note
	latest     string
}

func (r *fakeRemote) Descriptor(context.Context) (*remote.Descriptor, error) { return r.descriptor, nil }

func (r *fakeRemote) OwnerNotes(context.Context) ([]remote.Note, error) { return r.notes, nil }

func (r *fakeRemote) LatestTag(context.Context) (string, error) { return r.latest, nil }

type fakeDispatcher struct {
	mu       sync.Mutex
	inits    int
	orders   []market.ID
	messages []plugin.ChatMessage
}

func (d *fakeDispatcher) DispatchInit(context.Context, *plugin.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
}

func (d *fakeDispatcher) OnOrderCreated(_ context.Context, order market.Order, _ *plugin.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders = append(d.orders, order.ID)
}

func (d *fakeDispatcher) OnChatMessage(_ context.Context, msg plugin.ChatMessage, _ *plugin.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

func newTestStore(t *testing.T) repo.Store {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "state.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return store
}

func testSettings() config.Settings {
	st := config.DefaultSettings()
	st.SessionCookie = "cookie"
	st.WelcomeEnabled = false
	st.WatermarkOn = false
	return st
}

type harness struct {
	store    repo.Store
	market   *fakeMarket
	sink     *fakeSink
	remote   *fakeRemote
	plugins  *fakeDispatcher
	settings config.Settings
}

func newHarness(t *testing.T) *harness {
	return &harness{
		store:    newTestStore(t),
		market:   &fakeMarket{},
		sink:     &fakeSink{},
		remote:   &fakeRemote{},
		plugins:  &fakeDispatcher{},
		settings: testSettings(),
	}
}

// supervisor builds a fresh Supervisor over the harness state, as after a restart.
func (h *harness) supervisor() *Supervisor {
	return New(Options{
		Market:   h.market,
		Remote:   h.remote,
		Store:    h.store,
		Settings: config.StaticSettings(h.settings),
		Sink:     h.sink,
		Plugins:  h.plugins,
		Logger:   logging.Discard(),
	})
}
