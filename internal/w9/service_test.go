package w9_test

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
	"github.com/marketplane/taxdocs/internal/vault"
	"github.com/marketplane/taxdocs/internal/w9"
)

var (
	affiliateActor = domain.Actor{ID: "AFF-001", Role: domain.RoleAffiliate, DisplayName: "Pat Doe"}
	adminActor     = domain.Actor{ID: "ADM-001", Role: domain.RoleAdministrator, DisplayName: "Admin"}
)

type fixture struct {
	svc      *w9.Service
	docs     *memDocRepo
	statuses *memStatusRepo
	auditLog *memAuditRepo
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

	docs := newMemDocRepo()
	statuses := newMemStatusRepo()
	auditLog := &memAuditRepo{}
	auditSvc := audit.NewService(auditLog, zap.NewNop())

	cfg := config.Config{ValidityWindow: 3 * 365 * 24 * time.Hour}
	svc := w9.NewService(docs, statuses, store, auditSvc, cfg, zap.NewNop())
	return &fixture{svc: svc, docs: docs, statuses: statuses, auditLog: auditLog}
}

func upload(t *testing.T, f *fixture) domain.DocumentRecord {
	t.Helper()
	rec, summary, err := f.svc.Upload(context.Background(), affiliateActor, w9.UploadInput{
		File:         []byte("%PDF-1.7 w9"),
		OriginalName: "w9.pdf",
		MimeType:     "application/pdf",
	})
	require.NoError(t, err)
	require.Equal(t, domain.W9PendingReview, summary.Status)
	return rec
}

func TestUploadMovesToPendingReview(t *testing.T) {
	f := newFixture(t)
	rec := upload(t, f)

	require.True(t, rec.IsActive)
	require.Equal(t, domain.VerificationPending, rec.VerificationStatus)

	summary, err := f.svc.Status(context.Background(), affiliateActor.ID)
	require.NoError(t, err)
	require.Equal(t, domain.W9PendingReview, summary.Status)
	require.False(t, summary.CanReceivePayments)
	require.NotNil(t, summary.SubmittedAt)
	require.Nil(t, summary.TaxInfo)

	require.Contains(t, f.auditLog.actions(), domain.AuditUploadAttempt)
	require.Contains(t, f.auditLog.actions(), domain.AuditUploadSuccess)
}

func TestDuplicateUploadConflicts(t *testing.T) {
	f := newFixture(t)
	upload(t, f)

	_, _, err := f.svc.Upload(context.Background(), affiliateActor, w9.UploadInput{
		File:         []byte("%PDF-1.7 again"),
		OriginalName: "w9.pdf",
		MimeType:     "application/pdf",
	})
	require.ErrorIs(t, err, domain.ErrDuplicateSubmission)
	require.Contains(t, f.auditLog.actions(), domain.AuditUploadFailed)
}

func TestUnknownAffiliateReadsNotSubmitted(t *testing.T) {
	f := newFixture(t)

	summary, err := f.svc.Status(context.Background(), "AFF-UNSEEN")
	require.NoError(t, err)
	require.Equal(t, domain.W9NotSubmitted, summary.Status)
	require.False(t, summary.CanReceivePayments)
}

func TestVerifyRecordsTaxInfo(t *testing.T) {
	f := newFixture(t)
	upload(t, f)

	summary, err := f.svc.Verify(context.Background(), adminActor, affiliateActor.ID, w9.VerifyInput{
		TaxIDType:    "ssn",
		TaxIDLast4:   "4321",
		BusinessName: "Doe Deliveries",
	})
	require.NoError(t, err)
	require.Equal(t, domain.W9Verified, summary.Status)
	require.True(t, summary.CanReceivePayments)
	require.NotNil(t, summary.TaxInfo)
	require.Equal(t, "SSN", summary.TaxInfo.TaxIDType)
	require.Equal(t, "4321", summary.TaxInfo.TaxIDLast4)
	require.NotNil(t, summary.ExpiryDate)
	require.Contains(t, f.auditLog.actions(), domain.AuditVerifySuccess)
}

func TestVerifyValidation(t *testing.T) {
	f := newFixture(t)
	upload(t, f)
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, adminActor, affiliateActor.ID, w9.VerifyInput{TaxIDType: "ITIN", TaxIDLast4: "4321"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Verify(ctx, adminActor, affiliateActor.ID, w9.VerifyInput{TaxIDType: "SSN", TaxIDLast4: "43a1"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestVerifyRequiresPendingSubmission(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(context.Background(), adminActor, affiliateActor.ID, w9.VerifyInput{
		TaxIDType:  "SSN",
		TaxIDLast4: "4321",
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	upload(t, f)

	_, err := f.svc.Reject(context.Background(), adminActor, affiliateActor.ID, "  ")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRejectThenResubmit(t *testing.T) {
	f := newFixture(t)
	rec := upload(t, f)
	ctx := context.Background()

	summary, err := f.svc.Reject(ctx, adminActor, affiliateActor.ID, "Illegible scan")
	require.NoError(t, err)
	require.Equal(t, domain.W9Rejected, summary.Status)
	require.Equal(t, "Illegible scan", summary.RejectionReason)

	rejected, err := f.docs.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, rejected.IsActive)

	// Rejection is recoverable, a new upload starts review again.
	upload(t, f)
	summary, err = f.svc.Status(ctx, affiliateActor.ID)
	require.NoError(t, err)
	require.Equal(t, domain.W9PendingReview, summary.Status)
	require.Empty(t, summary.RejectionReason)
}

func TestDownloadOwnDocument(t *testing.T) {
	f := newFixture(t)
	upload(t, f)

	rec, data, err := f.svc.Download(context.Background(), affiliateActor, affiliateActor.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.7 w9"), data)
	require.Equal(t, "w9.pdf", rec.OriginalName)
	require.Contains(t, f.auditLog.actions(), domain.AuditDownloadAffiliate)
}

func TestCrossAffiliateDownloadDenied(t *testing.T) {
	f := newFixture(t)
	upload(t, f)

	other := domain.Actor{ID: "AFF-002", Role: domain.RoleAffiliate}
	_, _, err := f.svc.Download(context.Background(), other, affiliateActor.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.Contains(t, f.auditLog.actions(), domain.AuditAccessDenied)
}

func TestAdminDownloadAudited(t *testing.T) {
	f := newFixture(t)
	upload(t, f)

	_, _, err := f.svc.Download(context.Background(), adminActor, affiliateActor.ID)
	require.NoError(t, err)
	require.Contains(t, f.auditLog.actions(), domain.AuditDownloadAdmin)
}

func TestExpireVerifiedDocument(t *testing.T) {
	f := newFixture(t)
	rec := upload(t, f)
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, adminActor, affiliateActor.ID, w9.VerifyInput{TaxIDType: "EIN", TaxIDLast4: "9876"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Expire(ctx, rec))

	summary, err := f.svc.Status(ctx, affiliateActor.ID)
	require.NoError(t, err)
	require.Equal(t, domain.W9Expired, summary.Status)
	require.False(t, summary.CanReceivePayments)
	require.Contains(t, f.auditLog.actions(), domain.AuditExpire)

	expired, err := f.docs.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, expired.IsActive)
}

func TestExpireSkipsNonVerified(t *testing.T) {
	f := newFixture(t)
	rec := upload(t, f)
	ctx := context.Background()

	require.NoError(t, f.svc.Expire(ctx, rec))

	summary, err := f.svc.Status(ctx, affiliateActor.ID)
	require.NoError(t, err)
	require.Equal(t, domain.W9PendingReview, summary.Status)
}

// --- in-memory fakes ---

type memDocRepo struct {
	recs map[uuid.UUID]domain.DocumentRecord
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{recs: map[uuid.UUID]domain.DocumentRecord{}}
}

func (m *memDocRepo) Create(ctx context.Context, rec domain.DocumentRecord) (domain.DocumentRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.IsActive = true
	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt
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
		if e.Target.OwnerID != ownerID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memAuditRepo) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for i, e := range m.entries {
		if e.Timestamp.Before(cutoff) && !e.Archived {
			at := time.Now().UTC()
			m.entries[i].Archived = true
			m.entries[i].ArchivedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memAuditRepo) actions() []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}
