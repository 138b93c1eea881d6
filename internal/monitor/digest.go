package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lotwatch/internal/config"
	"lotwatch/internal/notify"
	"lotwatch/internal/remote"
)

const ownerNoteTitle = "Note from the developer"

func (s *Supervisor) pollDigest(ctx context.Context, _ config.Settings) error {
	return errors.Join(s.checkDescriptor(ctx), s.checkOwnerNotes(ctx))
}

// checkDescriptor emits the remote announcement once per tag.
func (s *Supervisor) checkDescriptor(ctx context.Context) error {
	d, err := s.remote.Descriptor(ctx)
	if err != nil {
		return fmt.Errorf("fetch descriptor: %w", err)
	}
	if d == nil || d.Tag == "" || d.Tag == s.lastDigestTag {
		return nil
	}
	sent, err := s.deliverOnce(ctx, d.Key(), notify.Digest{Key: d.Key(), Title: d.Title, Text: d.Text})
	if err != nil {
		return err
	}
	if sent {
		s.emitted("digest", "descriptor")
		s.logger.Info("digest delivered", "tag", d.Tag)
	}
	s.lastDigestTag = d.Tag
	return nil
}

// checkOwnerNotes emits every owner note that was never delivered.
func (s *Supervisor) checkOwnerNotes(ctx context.Context) error {
	notes, err := s.remote.OwnerNotes(ctx)
	if err != nil {
		return fmt.Errorf("fetch owner notes: %w", err)
	}
	var errs []error
	for _, n := range notes {
		if strings.TrimSpace(n.Text) == "" {
			continue
		}
		sent, err := s.deliverOnce(ctx, n.Key(), notify.Digest{Key: n.Key(), Title: ownerNoteTitle, Text: n.Text})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sent {
			s.emitted("digest", "note")
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) pollVersion(ctx context.Context, st config.Settings) error {
	latest, err := s.remote.LatestTag(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest tag: %w", err)
	}
	current := strings.TrimSpace(st.CurrentVersion)
	if latest == "" || latest == current || latest == s.lastVersion {
		return nil
	}
	key := remote.VersionKey(latest)
	sent, err := s.store.HasDigestSent(ctx, key)
	if err != nil {
		return fmt.Errorf("check version key: %w", err)
	}
	if !sent {
		if err := s.sink.UpdateAvailable(ctx, latest, current); err != nil {
			return fmt.Errorf("notify update: %w", err)
		}
		s.emitted("version", "update")
		s.logger.Info("update available", "latest", latest, "current", current)
		if err := s.store.MarkDigestSent(ctx, key); err != nil {
			s.storeFailed("mark_digest_sent", err, "key", key)
		}
	}
	s.lastVersion = latest
	return nil
}

// deliverOnce sends d unless key was already delivered, then records key.
func (s *Supervisor) deliverOnce(ctx context.Context, key string, d notify.Digest) (bool, error) {
	sent, err := s.store.HasDigestSent(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check digest key %s: %w", key, err)
	}
	if sent {
		return false, nil
	}
	if err := s.sink.Digest(ctx, d); err != nil {
		return false, fmt.Errorf("notify digest %s: %w", key, err)
	}
	if err := s.store.MarkDigestSent(ctx, key); err != nil {
		s.storeFailed("mark_digest_sent", err, "key", key)
	}
	return true, nil
}
