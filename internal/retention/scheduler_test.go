package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/audit"
	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/retention"
	"github.com/marketplane/taxdocs/internal/vault"
	"github.com/marketplane/taxdocs/internal/w9"
)

const (
	day  = 24 * time.Hour
	year = 365 * day
)

var adminActor = domain.Actor{ID: "ADM-001", Role: domain.RoleAdministrator}

type fixture struct {
	scheduler *retention.Scheduler
	w9svc     *w9.Service
	docs      *memDocRepo
	statuses  *memStatusRepo
	store     vault.Store
	auditLog  *memAuditRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := vault.NewFileStore(vault.Options{
		Dir:               t.TempDir(),
		MasterKey:         "test-master-key",
		KDFSalt:           "test-salt",
		KDFIterations:     100_000,
		AcceptedMimeTypes: []string{"application/pdf"},
	}, zap.NewNop())
	require.NoError(t, err)

	cfg := config.Config{
		ValidityWindow:  3 * year,
		RetentionWindow: 7 * year,
		ExpiryInterval:  day,
		PurgeInterval:   30 * day,
	}

	docs := newMemDocRepo()
	statuses := newMemStatusRepo()
	auditLog := &memAuditRepo{}
	auditSvc := audit.NewService(auditLog, zap.NewNop())
	w9svc := w9.NewService(docs, statuses, store, auditSvc, cfg, zap.NewNop())
	scheduler := retention.NewScheduler(docs, store, w9svc, auditSvc, cfg, zap.NewNop())

	return &fixture{
		scheduler: scheduler,
		w9svc:     w9svc,
		docs:      docs,
		statuses:  statuses,
		store:     store,
		auditLog:  auditLog,
	}
}

// verifiedDocument seeds a verified document whose validity expired at the
// given time, plus the owner's status row.
func verifiedDocument(t *testing.T, f *fixture, owner string, expiry time.Time) domain.DocumentRecord {
	t.Helper()
	ctx := context.Background()

	key, err := f.store.Store(ctx, vault.StoreInput{
		Bytes:        []byte("%PDF-1.7 doc"),
		OriginalName: "w9.pdf",
		MimeType:     "application/pdf",
		OwnerID:      owner,
	})
	require.NoError(t, err)

	rec, err := f.docs.Create(ctx, domain.DocumentRecord{
		OwnerID:            owner,
		StorageKey:         key,
		OriginalName:       "w9.pdf",
		MimeType:           "application/pdf",
		SizeBytes:          12,
		VerificationStatus: domain.VerificationVerified,
	})
	require.NoError(t, err)
	require.NoError(t, f.docs.UpdateVerification(ctx, rec.ID, domain.VerificationVerified, &expiry))
	rec.ExpiryDate = &expiry

	require.NoError(t, f.statuses.Save(ctx, domain.AffiliateTaxStatus{
		AffiliateID: owner,
		Status:      domain.W9Verified,
		DocumentID:  &rec.ID,
		ExpiryDate:  &expiry,
	}))
	return rec
}

func TestExpiryPassExpiresStaleDocuments(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	rec := verifiedDocument(t, f, "AFF-001", now.Add(-day))
	verifiedDocument(t, f, "AFF-002", now.Add(day))

	report := f.scheduler.RunExpiryPass(context.Background(), now)
	require.Equal(t, 1, report.Succeeded)
	require.Zero(t, report.Failed)

	st, err := f.statuses.Get(context.Background(), "AFF-001")
	require.NoError(t, err)
	require.Equal(t, domain.W9Expired, st.Status)

	fresh, err := f.statuses.Get(context.Background(), "AFF-002")
	require.NoError(t, err)
	require.Equal(t, domain.W9Verified, fresh.Status)

	expired, err := f.docs.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, expired.IsActive)
}

func TestExpiryPassSkipsLegalHold(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	rec := verifiedDocument(t, f, "AFF-001", now.Add(-day))
	require.NoError(t, f.docs.SetLegalHold(context.Background(), rec.ID, true))

	report := f.scheduler.RunExpiryPass(context.Background(), now)
	require.Zero(t, report.Succeeded)
	require.Zero(t, report.Failed)

	st, err := f.statuses.Get(context.Background(), "AFF-001")
	require.NoError(t, err)
	require.Equal(t, domain.W9Verified, st.Status)
}

func TestDestructionPassPurgesBeyondRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := verifiedDocument(t, f, "AFF-OLD", now.Add(-5*year))
	require.NoError(t, f.docs.Deactivate(ctx, old.ID))
	f.docs.setCreatedAt(old.ID, now.Add(-8*year))

	recent := verifiedDocument(t, f, "AFF-NEW", now.Add(year))

	// First pass removes the blob and tombstones the record.
	report := f.scheduler.RunDestructionPass(ctx, now)
	require.Equal(t, 1, report.Succeeded)
	require.Zero(t, report.Failed)

	tombstone, err := f.docs.GetByID(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, tombstone.Deleted)
	require.NotNil(t, tombstone.DeletedAt)
	_, err = f.store.Retrieve(ctx, old.StorageKey)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Contains(t, f.auditLog.actions(), domain.AuditDelete)

	// Second pass purges the tombstoned metadata.
	report = f.scheduler.RunDestructionPass(ctx, now)
	require.Equal(t, 1, report.Succeeded)
	_, err = f.docs.GetByID(ctx, old.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.docs.GetByID(ctx, recent.ID)
	require.NoError(t, err)
}

func TestDestructionPassHonorsLegalHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	held := verifiedDocument(t, f, "AFF-HELD", now.Add(-5*year))
	require.NoError(t, f.docs.Deactivate(ctx, held.ID))
	f.docs.setCreatedAt(held.ID, now.Add(-8*year))
	require.NoError(t, f.docs.SetLegalHold(ctx, held.ID, true))

	report := f.scheduler.RunDestructionPass(ctx, now)
	require.Zero(t, report.Succeeded)
	require.Zero(t, report.Failed)

	_, err := f.docs.GetByID(ctx, held.ID)
	require.NoError(t, err)
	_, err = f.store.Retrieve(ctx, held.StorageKey)
	require.NoError(t, err)
}

func TestDestructionPassAggregatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	broken := verifiedDocument(t, f, "AFF-BROKEN", now.Add(-5*year))
	require.NoError(t, f.docs.SoftDelete(ctx, broken.ID, now.Add(-8*year), "test"))
	f.docs.setCreatedAt(broken.ID, now.Add(-8*year))
	f.docs.deleteErr[broken.ID] = domain.ErrUpstream

	healthy := verifiedDocument(t, f, "AFF-HEALTHY", now.Add(-5*year))
	require.NoError(t, f.docs.SoftDelete(ctx, healthy.ID, now.Add(-8*year), "test"))
	f.docs.setCreatedAt(healthy.ID, now.Add(-8*year))

	report := f.scheduler.RunDestructionPass(ctx, now)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)

	// The failed record survives for the next pass.
	_, err := f.docs.GetByID(ctx, broken.ID)
	require.NoError(t, err)
	_, err = f.docs.GetByID(ctx, healthy.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetLegalHoldAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := verifiedDocument(t, f, "AFF-001", time.Now().Add(year))

	updated, err := f.scheduler.SetLegalHold(ctx, adminActor, rec.ID, true, "Subpoena 22-417")
	require.NoError(t, err)
	require.True(t, updated.LegalHold)
	require.Contains(t, f.auditLog.actions(), domain.AuditLegalHold)

	// Setting the same value again is a no-op without a second audit entry.
	entries := len(f.auditLog.entries)
	_, err = f.scheduler.SetLegalHold(ctx, adminActor, rec.ID, true, "Subpoena 22-417")
	require.NoError(t, err)
	require.Len(t, f.auditLog.entries, entries)
}

func TestSetLegalHoldUnknownDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.SetLegalHold(context.Background(), adminActor, uuid.New(), true, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// --- in-memory fakes ---

type memDocRepo struct {
	recs      map[uuid.UUID]domain.DocumentRecord
	deleteErr map[uuid.UUID]error
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{
		recs:      map[uuid.UUID]domain.DocumentRecord{},
		deleteErr: map[uuid.UUID]error{},
	}
}

func (m *memDocRepo) setCreatedAt(id uuid.UUID, at time.Time) {
	rec := m.recs[id]
	rec.CreatedAt = at
	m.recs[id] = rec
}

func (m *memDocRepo) Create(ctx context.Context, rec domain.DocumentRecord) (domain.DocumentRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.IsActive = true
	rec.CreatedAt = time.Now().UTC()
	for id, existing := range m.recs {
		if existing.OwnerID == rec.OwnerID && existing.IsActive {
			existing.IsActive = false
			m.recs[id] = existing
		}
	}
	m.recs[rec.ID] = rec
	return rec, nil
}

func (m *memDocRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.DocumentRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return domain.DocumentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memDocRepo) GetActiveByOwner(ctx context.Context, ownerID string) (domain.DocumentRecord, error) {
	for _, rec := range m.recs {
		if rec.OwnerID == ownerID && rec.IsActive && !rec.Deleted {
			return rec, nil
		}
	}
	return domain.DocumentRecord{}, domain.ErrNotFound
}

func (m *memDocRepo) UpdateVerification(ctx context.Context, id uuid.UUID, status domain.VerificationStatus, expiry *time.Time) error {
	rec, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.VerificationStatus = status
	rec.ExpiryDate = expiry
	m.recs[id] = rec
	return nil
}

func (m *memDocRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	rec, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.IsActive = false
	m.recs[id] = rec
	return nil
}

func (m *memDocRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	rec, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Deleted = true
	rec.DeletedAt = &at
	rec.DeletionReason = reason
	rec.IsActive = false
	m.recs[id] = rec
	return nil
}

func (m *memDocRepo) SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error {
	rec, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.LegalHold = hold
	m.recs[id] = rec
	return nil
}

func (m *memDocRepo) ListExpired(ctx context.Context, now time.Time) ([]domain.DocumentRecord, error) {
	var out []domain.DocumentRecord
	for _, rec := range m.recs {
		if rec.IsActive && rec.VerificationStatus == domain.VerificationVerified &&
			rec.ExpiryDate != nil && !rec.ExpiryDate.After(now) && !rec.LegalHold {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDocRepo) ListPurgeable(ctx context.Context, cutoff time.Time) ([]domain.DocumentRecord, error) {
	var out []domain.DocumentRecord
	for _, rec := range m.recs {
		if (rec.Deleted || !rec.IsActive) && !rec.CreatedAt.After(cutoff) && !rec.LegalHold {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDocRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	delete(m.recs, id)
	return nil
}

type memStatusRepo struct {
	rows map[string]domain.AffiliateTaxStatus
}

func newMemStatusRepo() *memStatusRepo {
	return &memStatusRepo{rows: map[string]domain.AffiliateTaxStatus{}}
}

func (m *memStatusRepo) Get(ctx context.Context, affiliateID string) (domain.AffiliateTaxStatus, error) {
	st, ok := m.rows[affiliateID]
	if !ok {
		return domain.AffiliateTaxStatus{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *memStatusRepo) Save(ctx context.Context, st domain.AffiliateTaxStatus) error {
	m.rows[st.AffiliateID] = st
	return nil
}

func (m *memStatusRepo) FindByEnvelopeID(ctx context.Context, envelopeID string) (domain.AffiliateTaxStatus, error) {
	for _, st := range m.rows {
		if st.EnvelopeID == envelopeID && envelopeID != "" {
			return st, nil
		}
	}
	return domain.AffiliateTaxStatus{}, domain.ErrNotFound
}

type memAuditRepo struct {
	entries []domain.AuditEntry
}

func (m *memAuditRepo) Insert(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memAuditRepo) QueryByOwner(ctx context.Context, ownerID string, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.Target.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAuditRepo) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memAuditRepo) actions() []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}
