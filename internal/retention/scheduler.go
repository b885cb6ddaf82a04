package retention

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/repository"
	"github.com/marketplane/taxdocs/internal/vault"
	"github.com/marketplane/taxdocs/internal/w9"
)

// Scheduler runs the two recurring lifecycle passes: validity expiry and
// retention destruction. Both passes survive per-record failures and report
// an aggregate instead of aborting on the first error.
type Scheduler struct {
	docs     repository.DocumentRepository
	store    vault.Store
	w9svc    *w9.Service
	audit    Auditor
	cfg      config.Config
	logger   *zap.Logger
	nowFn    func() time.Time
	expiring atomic.Bool
	purging  atomic.Bool
}

// Auditor is the slice of the audit service this package needs.
type Auditor interface {
	Append(ctx context.Context, action domain.AuditAction, actor domain.Actor, target domain.AuditTarget, details map[string]any) *domain.AuditEntry
	ArchiveOlderThan(ctx context.Context, horizon time.Duration) (int64, error)
}

// Report aggregates one pass's outcome.
type Report struct {
	Succeeded int
	Failed    int
}

// NewScheduler wires the lifecycle scheduler.
func NewScheduler(
	docs repository.DocumentRepository,
	store vault.Store,
	w9svc *w9.Service,
	audit Auditor,
	cfg config.Config,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		docs:   docs,
		store:  store,
		w9svc:  w9svc,
		audit:  audit,
		cfg:    cfg,
		logger: logger,
		nowFn:  time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Scheduler) WithNow(nowFn func() time.Time) *Scheduler {
	s.nowFn = nowFn
	return s
}

// Run drives both passes on their configured intervals until the context is
// cancelled. A tick that fires while the previous pass is still running is
// skipped rather than stacked.
func (s *Scheduler) Run(ctx context.Context) {
	expiry := time.NewTicker(s.cfg.ExpiryInterval)
	purge := time.NewTicker(s.cfg.PurgeInterval)
	defer expiry.Stop()
	defer purge.Stop()

	s.logger.Info("retention scheduler started",
		zap.Duration("expiry_interval", s.cfg.ExpiryInterval),
		zap.Duration("purge_interval", s.cfg.PurgeInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention scheduler stopped")
			return
		case <-expiry.C:
			if !s.expiring.CompareAndSwap(false, true) {
				s.logger.Warn("expiry pass still running, skipping tick")
				continue
			}
			report := s.RunExpiryPass(ctx, s.nowFn().UTC())
			s.expiring.Store(false)
			s.logger.Info("expiry pass finished",
				zap.Int("succeeded", report.Succeeded), zap.Int("failed", report.Failed))
		case <-purge.C:
			if !s.purging.CompareAndSwap(false, true) {
				s.logger.Warn("destruction pass still running, skipping tick")
				continue
			}
			report := s.RunDestructionPass(ctx, s.nowFn().UTC())
			s.purging.Store(false)
			s.logger.Info("destruction pass finished",
				zap.Int("succeeded", report.Succeeded), zap.Int("failed", report.Failed))

			archived, err := s.audit.ArchiveOlderThan(ctx, s.cfg.AuditArchiveAfter)
			if err != nil {
				s.logger.Error("audit archive pass failed", zap.Error(err))
			} else if archived > 0 {
				s.logger.Info("audit entries archived", zap.Int64("count", archived))
			}
		}
	}
}

// RunExpiryPass moves verified documents past their validity horizon to
// expired. Records under legal hold never appear in the candidate list.
func (s *Scheduler) RunExpiryPass(ctx context.Context, now time.Time) Report {
	var report Report

	candidates, err := s.docs.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error("list expired documents", zap.Error(err))
		return report
	}

	for _, rec := range candidates {
		if err := s.w9svc.Expire(ctx, rec); err != nil {
			report.Failed++
			s.logger.Error("expire document",
				zap.String("document_id", rec.ID.String()),
				zap.String("owner_id", rec.OwnerID),
				zap.Error(err))
			continue
		}
		report.Succeeded++
	}
	return report
}

// RunDestructionPass permanently destroys documents past the retention
// window: encrypted blob first, then metadata. A record whose blob removal
// fails keeps its metadata so the next pass retries it.
func (s *Scheduler) RunDestructionPass(ctx context.Context, now time.Time) Report {
	var report Report

	cutoff := now.Add(-s.cfg.RetentionWindow)
	candidates, err := s.docs.ListPurgeable(ctx, cutoff)
	if err != nil {
		s.logger.Error("list purgeable documents", zap.Error(err))
		return report
	}

	for _, rec := range candidates {
		if err := s.destroy(ctx, rec); err != nil {
			report.Failed++
			s.logger.Error("destroy document",
				zap.String("document_id", rec.ID.String()),
				zap.String("owner_id", rec.OwnerID),
				zap.Error(err))
			continue
		}
		report.Succeeded++
	}
	return report
}

// destroy runs in two stages. The first pass removes the encrypted blob and
// tombstones the record, so the deletion itself stays visible; a later pass
// purges the tombstoned metadata row.
func (s *Scheduler) destroy(ctx context.Context, rec domain.DocumentRecord) error {
	if !rec.Deleted {
		if err := s.store.Delete(ctx, rec.StorageKey); err != nil {
			return err
		}
		now := s.nowFn().UTC()
		if err := s.docs.SoftDelete(ctx, rec.ID, now, "retention window elapsed"); err != nil {
			return err
		}
		s.audit.Append(ctx, domain.AuditDelete, domain.SystemActor,
			domain.AuditTarget{OwnerID: rec.OwnerID, DocumentID: &rec.ID},
			map[string]any{"reason": "retention window elapsed"})
		return nil
	}
	return s.docs.Delete(ctx, rec.ID)
}

// SetLegalHold flags or releases a document's legal hold. Held documents are
// exempt from both lifecycle passes until released.
func (s *Scheduler) SetLegalHold(ctx context.Context, actor domain.Actor, documentID uuid.UUID, hold bool, reason string) (domain.DocumentRecord, error) {
	rec, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		return domain.DocumentRecord{}, err
	}
	if rec.LegalHold == hold {
		return rec, nil
	}
	if err := s.docs.SetLegalHold(ctx, documentID, hold); err != nil {
		return domain.DocumentRecord{}, err
	}
	rec.LegalHold = hold

	s.audit.Append(ctx, domain.AuditLegalHold, actor,
		domain.AuditTarget{OwnerID: rec.OwnerID, DocumentID: &rec.ID},
		map[string]any{"hold": hold, "reason": reason})
	return rec, nil
}
