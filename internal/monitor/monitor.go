// Package monitor runs the change-detection loops: it polls the marketplace and
// the remote info source, diffs against persisted cursors and emits novel events
// to the notification sink and the plugin dispatcher.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"lotwatch/internal/config"
	"lotwatch/internal/market"
	"lotwatch/internal/metrics"
	"lotwatch/internal/notify"
	"lotwatch/internal/plugin"
	"lotwatch/internal/remote"
	"lotwatch/internal/repo"
)

// Loop floors. A configured interval below the floor is raised to it.
const (
	chatFloor    = 1 * time.Second
	ordersFloor  = 1 * time.Second
	digestFloor  = 30 * time.Second
	versionFloor = 10 * time.Second
	bumpFloor    = 60 * time.Second
)

var errNoSession = errors.New("session cookie is not configured")

// Marketplace is the part of the marketplace client the loops use.
type Marketplace interface {
	FetchProfile(ctx context.Context, session string) (*market.User, error)
	FetchChats(ctx context.Context, session string) (*market.ChatList, error)
	FetchChatMessages(ctx context.Context, session string, chatID market.ID, limit int) ([]market.Message, error)
	FetchOrders(ctx context.Context, session string) ([]market.Order, error)
	FetchLots(ctx context.Context, session string, userID market.ID) ([]market.Lot, error)
	FetchOfferDetail(ctx context.Context, session string, offerID int64) (*market.OfferDetail, error)
	SendMessage(ctx context.Context, session string, chatID market.ID, content string) error
	BumpListings(ctx context.Context, session string, gameID int64, categoryIDs []int64) error
	ImagePreviewURL(img market.Image) string
}

// Remote is the announcement and release source.
type Remote interface {
	Descriptor(ctx context.Context) (*remote.Descriptor, error)
	OwnerNotes(ctx context.Context) ([]remote.Note, error)
	LatestTag(ctx context.Context) (string, error)
}

// Dispatcher receives novel events for the plugin layer.
type Dispatcher interface {
	DispatchInit(ctx context.Context, pc *plugin.Context)
	OnOrderCreated(ctx context.Context, order market.Order, pc *plugin.Context)
	OnChatMessage(ctx context.Context, msg plugin.ChatMessage, pc *plugin.Context)
}

// Options configures a Supervisor. Remote, Plugins and Metrics may be nil.
type Options struct {
	Market   Marketplace
	Remote   Remote
	Store    repo.Store
	Settings config.SettingsSource
	Sink     notify.Sink
	Plugins  Dispatcher
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Supervisor owns the polling loops and their in-process dedup state.
type Supervisor struct {
	market   Marketplace
	remote   Remote
	store    repo.Store
	settings config.SettingsSource
	sink     notify.Sink
	plugins  Dispatcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	// Each set is owned by a single loop goroutine. The hooked sets record
	// plugin dispatch apart from sink delivery, so a retried notification does
	// not re-run plugin hooks.
	seenMessages   *seenSet
	seenOrders     *seenSet
	hookedMessages *seenSet
	hookedOrders   *seenSet

	lastDigestTag string
	lastVersion   string
}

// New builds a Supervisor.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		market:       opts.Market,
		remote:       opts.Remote,
		store:        opts.Store,
		settings:     opts.Settings,
		sink:         opts.Sink,
		plugins:      opts.Plugins,
		logger:       logger.With("component", "monitor"),
		metrics:      opts.Metrics,
		tracer:       otel.Tracer("lotwatch/monitor"),
		now:          time.Now,
		seenMessages:   newSeenSet(seenCapacity),
		seenOrders:     newSeenSet(seenCapacity),
		hookedMessages: newSeenSet(seenCapacity),
		hookedOrders:   newSeenSet(seenCapacity),
	}
}

// Run dispatches the plugin start-up hook and runs every loop until ctx is
// cancelled. The digest and version loops only run with a remote source.
func (s *Supervisor) Run(ctx context.Context) error {
	st := s.snapshot()
	if s.plugins != nil {
		s.plugins.DispatchInit(ctx, s.pluginContext(st))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runLoop(ctx, "chat", func(st config.Settings) float64 { return st.ChatPollInterval }, chatFloor, s.pollChats)
	})
	g.Go(func() error {
		return s.runLoop(ctx, "orders", func(st config.Settings) float64 { return st.OrdersPollInterval }, ordersFloor, s.pollOrders)
	})
	g.Go(func() error {
		return s.runLoop(ctx, "bump", func(st config.Settings) float64 { return st.BumpInterval }, bumpFloor, s.bump)
	})
	if s.remote != nil {
		g.Go(func() error {
			return s.runLoop(ctx, "digest", func(st config.Settings) float64 { return st.RemoteInfoInterval }, digestFloor, s.pollDigest)
		})
		g.Go(func() error {
			return s.runLoop(ctx, "version", func(st config.Settings) float64 { return st.VersionPollInterval }, versionFloor, s.pollVersion)
		})
	}
	s.logger.Info("monitor started", "remote", s.remote != nil, "plugins", s.plugins != nil)
	err := g.Wait()
	s.logger.Info("monitor stopped")
	return err
}

type iterateFunc func(ctx context.Context, st config.Settings) error

// runLoop repeats iterate until ctx is cancelled. Failures and panics end the
// iteration only; the interval is re-read after every cycle and clamped to floor.
func (s *Supervisor) runLoop(ctx context.Context, name string, interval func(config.Settings) float64, floor time.Duration, iterate iterateFunc) error {
	logger := s.logger.With("loop", name)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.iterate(ctx, logger, name, iterate)

		wait := config.Seconds(interval(s.snapshot()))
		if wait < floor {
			wait = floor
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) iterate(ctx context.Context, logger *slog.Logger, name string, iterate iterateFunc) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "monitor."+name, trace.WithAttributes(attribute.String("loop", name)))
	defer span.End()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				logger.Error("loop iteration panicked", "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		return iterate(ctx, s.snapshot())
	}()

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errNoSession):
		outcome = "skipped"
		logger.Debug("loop iteration skipped", "reason", err)
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("loop iteration failed", "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("monitor_" + name).Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.LoopIterations.WithLabelValues(name, outcome).Inc()
		s.metrics.LoopDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// snapshot reads the runtime settings; a broken file degrades to defaults.
func (s *Supervisor) snapshot() config.Settings {
	if s.settings == nil {
		return config.DefaultSettings()
	}
	st, err := s.settings.Settings()
	if err != nil {
		s.logger.Warn("read settings failed, using defaults", "error", err)
	}
	return st
}

func (s *Supervisor) pluginContext(st config.Settings) *plugin.Context {
	return &plugin.Context{
		Session:   st.SessionCookie,
		Store:     s.store,
		Settings:  st,
		Messenger: s.market,
	}
}

func session(st config.Settings) (string, error) {
	cookie := strings.TrimSpace(st.SessionCookie)
	if cookie == "" {
		return "", errNoSession
	}
	return cookie, nil
}

func (s *Supervisor) emitted(loop, kind string) {
	if s.metrics != nil {
		s.metrics.EventsEmitted.WithLabelValues(loop, kind).Inc()
	}
}

// storeFailed logs a failed cursor write. The event was delivered, so the only
// consequence is a possible repeat after restart.
func (s *Supervisor) storeFailed(op string, err error, args ...any) {
	s.logger.Error("state store write failed", append([]any{"op", op, "error", err}, args...)...)
	if s.metrics != nil {
		s.metrics.StoreWriteFailures.WithLabelValues(op).Inc()
	}
}

const seenCapacity = 10000

// seenSet is a bounded insertion-ordered set of processed ids.
type seenSet struct {
	limit int
	order []string
	items map[string]struct{}
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, items: make(map[string]struct{})}
}

func (s *seenSet) has(id market.ID) bool {
	_, ok := s.items[id.String()]
	return ok
}

func (s *seenSet) add(id market.ID) {
	key := id.String()
	if _, ok := s.items[key]; ok {
		return
	}
	if len(s.order) >= s.limit {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
	s.order = append(s.order, key)
	s.items[key] = struct{}{}
}
