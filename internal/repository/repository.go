package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/marketplane/taxdocs/internal/domain"
)

// DocumentRepository tracks document metadata separately from encrypted bytes.
type DocumentRepository interface {
	// Create persists a new record and deactivates the owner's previous
	// active record in the same transaction. A new upload supersedes, it
	// never deletes.
	Create(ctx context.Context, rec domain.DocumentRecord) (domain.DocumentRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.DocumentRecord, error)
	GetActiveByOwner(ctx context.Context, ownerID string) (domain.DocumentRecord, error)
	UpdateVerification(ctx context.Context, id uuid.UUID, status domain.VerificationStatus, expiry *time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error
	// ListExpired returns active verified records whose validity horizon has
	// passed, excluding legal holds.
	ListExpired(ctx context.Context, now time.Time) ([]domain.DocumentRecord, error)
	// ListPurgeable returns inactive or soft-deleted records older than the
	// retention cutoff, excluding legal holds.
	ListPurgeable(ctx context.Context, cutoff time.Time) ([]domain.DocumentRecord, error)
	// Delete removes the metadata row after the physical blob is purged.
	Delete(ctx context.Context, id uuid.UUID) error
}

// TaxStatusRepository is the authoritative per-affiliate W9 status store.
type TaxStatusRepository interface {
	Get(ctx context.Context, affiliateID string) (domain.AffiliateTaxStatus, error)
	Save(ctx context.Context, st domain.AffiliateTaxStatus) error
	FindByEnvelopeID(ctx context.Context, envelopeID string) (domain.AffiliateTaxStatus, error)
}

// AuditRepository persists the append-only audit log. There is deliberately
// no update primitive beyond archival.
type AuditRepository interface {
	Insert(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error)
	QueryByOwner(ctx context.Context, ownerID string, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenRepository holds the single current provider token.
type TokenRepository interface {
	Get(ctx context.Context) (domain.ProviderToken, error)
	Save(ctx context.Context, token domain.ProviderToken) (domain.ProviderToken, error)
	// UpdateIfCurrent persists the refreshed token only when the stored access
	// token still matches currentAccess, making refresh effectively
	// exactly-once per expiry. Returns false when another caller won.
	UpdateIfCurrent(ctx context.Context, currentAccess string, token domain.ProviderToken) (bool, error)
}
