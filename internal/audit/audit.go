// Package audit provides the append-only security audit trail. Entries are
// immutable once persisted; archival for retention bookkeeping is the only
// permitted change.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/repository"
)

// Service writes and reads audit entries.
type Service struct {
	repo   repository.AuditRepository
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewService wires the audit service.
func NewService(repo repository.AuditRepository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger, nowFn: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// Append records one entry. Logging failures never abort the primary
// operation: the attempt is synchronous but the result is best-effort, and a
// nil entry signals the write did not land.
func (s *Service) Append(ctx context.Context, action domain.AuditAction, actor domain.Actor, target domain.AuditTarget, details map[string]any) *domain.AuditEntry {
	entry := domain.AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		Actor:     actor,
		Target:    target,
		Details:   details,
		Timestamp: s.nowFn().UTC(),
	}
	created, err := s.repo.Insert(ctx, entry)
	if err != nil {
		s.logger.Error("audit append failed",
			zap.String("action", string(action)),
			zap.String("owner_id", target.OwnerID),
			zap.Error(err),
		)
		return nil
	}
	return &created
}

// QueryByOwner returns entries for one owner, newest first.
func (s *Service) QueryByOwner(ctx context.Context, ownerID string, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	entries, err := s.repo.QueryByOwner(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return entries, nil
}

// ArchiveOlderThan flips archived=true on entries older than the horizon.
// Rows are never deleted.
func (s *Service) ArchiveOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := s.nowFn().UTC().Add(-horizon)
	n, err := s.repo.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive audit entries: %w", err)
	}
	if n > 0 {
		s.logger.Info("audit entries archived", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// csvHeader is the fixed export layout consumed by accounting hand-off.
var csvHeader = []string{"Timestamp", "Action", "Actor", "Target", "Success"}

// ExportCSV streams the owner's entries as CSV and records an export audit
// entry. Returns the export id.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, ownerID string, filter domain.AuditFilter, actor domain.Actor) (string, error) {
	entries, err := s.QueryByOwner(ctx, ownerID, filter)
	if err != nil {
		return "", err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	for _, entry := range entries {
		record := []string{
			entry.Timestamp.UTC().Format(time.RFC3339),
			string(entry.Action),
			formatActor(entry.Actor),
			formatTarget(entry.Target),
			strconv.FormatBool(entry.Success()),
		}
		if err := cw.Write(record); err != nil {
			return "", fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}

	exportID := uuid.NewString()
	s.Append(ctx, domain.AuditExport, actor,
		domain.AuditTarget{OwnerID: ownerID, ExportID: exportID},
		map[string]any{"format": "csv", "entries": len(entries)})
	return exportID, nil
}

// ExportJSON returns the same records as structured objects.
func (s *Service) ExportJSON(ctx context.Context, ownerID string, filter domain.AuditFilter, actor domain.Actor) (string, []domain.AuditEntry, error) {
	entries, err := s.QueryByOwner(ctx, ownerID, filter)
	if err != nil {
		return "", nil, err
	}
	exportID := uuid.NewString()
	s.Append(ctx, domain.AuditExport, actor,
		domain.AuditTarget{OwnerID: ownerID, ExportID: exportID},
		map[string]any{"format": "json", "entries": len(entries)})
	return exportID, entries, nil
}

func formatActor(a domain.Actor) string {
	if a.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", a.DisplayName, a.Role)
	}
	return fmt.Sprintf("%s (%s)", a.ID, a.Role)
}

func formatTarget(t domain.AuditTarget) string {
	switch {
	case t.DocumentID != nil:
		return "document:" + t.DocumentID.String()
	case t.ExportID != "":
		return "export:" + t.ExportID
	case t.OwnerID != "":
		return "affiliate:" + t.OwnerID
	}
	return ""
}
