package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"lotwatch/internal/config"
	"lotwatch/internal/market"
)

const detailConcurrency = 4

// bump raises every own listing, one request per game. A failed game does not
// affect the others and is retried on the next cycle.
func (s *Supervisor) bump(ctx context.Context, st config.Settings) error {
	cookie, err := session(st)
	if err != nil {
		return err
	}
	me, err := s.market.FetchProfile(ctx, cookie)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	if me == nil || me.ID == "" {
		return errors.New("fetch profile: not signed in")
	}
	lots, err := s.market.FetchLots(ctx, cookie, me.ID)
	if err != nil {
		return fmt.Errorf("fetch lots: %w", err)
	}
	if len(lots) == 0 {
		return nil
	}
	s.enrichLots(ctx, cookie, lots)

	groups := groupByGame(lots)
	games := make([]int64, 0, len(groups))
	for id := range groups {
		games = append(games, id)
	}
	sort.Slice(games, func(i, j int) bool { return games[i] < games[j] })

	var (
		mu     sync.Mutex
		bumped = make(map[int64]bool, len(games))
		failed []error
		g      errgroup.Group
	)
	for _, gameID := range games {
		categories := groups[gameID]
		g.Go(func() error {
			err := s.market.BumpListings(ctx, cookie, gameID, categories)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, fmt.Errorf("bump game %d: %w", gameID, err))
				return nil
			}
			bumped[gameID] = true
			return nil
		})
	}
	_ = g.Wait()

	for _, lot := range lots {
		if !bumped[lot.GameID] || lot.CategoryID == 0 {
			continue
		}
		if err := s.sink.BumpSucceeded(ctx, lot); err != nil {
			s.logger.Warn("bump notification failed", "lot_id", lot.ID, "error", err)
			continue
		}
		s.emitted("bump", "lot")
	}
	s.logger.Info("bump cycle finished", "games", len(games), "bumped", len(bumped), "failed", len(failed))
	return errors.Join(failed...)
}

// enrichLots fills missing game and category ids from the offer detail view.
// Lots whose detail cannot be fetched keep what they had.
func (s *Supervisor) enrichLots(ctx context.Context, cookie string, lots []market.Lot) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i := range lots {
		lot := &lots[i]
		if lot.ID == 0 || (lot.GameID != 0 && lot.CategoryID != 0) {
			continue
		}
		g.Go(func() error {
			detail, err := s.market.FetchOfferDetail(gctx, cookie, lot.ID)
			if err != nil || detail == nil {
				s.logger.Debug("offer detail failed", "lot_id", lot.ID, "error", err)
				return nil
			}
			if lot.GameID == 0 {
				lot.GameID = detail.GameID
			}
			if lot.CategoryID == 0 {
				lot.CategoryID = detail.CategoryID
			}
			return nil
		})
	}
	_ = g.Wait()
}

// groupByGame maps game id to its sorted, distinct category ids.
func groupByGame(lots []market.Lot) map[int64][]int64 {
	seen := make(map[int64]map[int64]bool)
	for _, lot := range lots {
		if lot.GameID == 0 || lot.CategoryID == 0 {
			continue
		}
		if seen[lot.GameID] == nil {
			seen[lot.GameID] = make(map[int64]bool)
		}
		seen[lot.GameID][lot.CategoryID] = true
	}
	out := make(map[int64][]int64, len(seen))
	for game, cats := range seen {
		ids := make([]int64, 0, len(cats))
		for id := range cats {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out[game] = ids
	}
	return out
}
