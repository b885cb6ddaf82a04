// Package w9 implements the authoritative tax document status state machine:
// not_submitted → pending_review → verified | rejected, plus verified →
// expired. Every transition writes exactly one audit entry.
package w9

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/audit"
	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/repository"
	"github.com/marketplane/taxdocs/internal/vault"
)

// Service coordinates status transitions, document custody, and auditing.
type Service struct {
	docs     repository.DocumentRepository
	statuses repository.TaxStatusRepository
	store    vault.Store
	audit    *audit.Service
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	nowFn    func() time.Time
}

// NewService wires the W9 lifecycle service.
func NewService(
	docs repository.DocumentRepository,
	statuses repository.TaxStatusRepository,
	store vault.Store,
	auditSvc *audit.Service,
	cfg config.Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		docs:     docs,
		statuses: statuses,
		store:    store,
		audit:    auditSvc,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("taxdocs/w9"),
		nowFn:    time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(nowFn func() time.Time) *Service {
	s.nowFn = nowFn
	return s
}

// UploadInput carries a direct affiliate upload.
type UploadInput struct {
	File         []byte
	OriginalName string
	MimeType     string
}

// VerifyInput carries the admin verification decision.
type VerifyInput struct {
	TaxIDType    string
	TaxIDLast4   string
	BusinessName string
}

// StatusSummary is the externally visible view of an affiliate's W9 state.
type StatusSummary struct {
	Status             domain.W9Status `json:"status"`
	StatusDisplay      string          `json:"status_display"`
	CanReceivePayments bool            `json:"can_receive_payments"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`
	VerifiedAt         *time.Time      `json:"verified_at,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	ExpiryDate         *time.Time      `json:"expiry_date,omitempty"`
	TaxInfo            *domain.TaxInfo `json:"tax_info,omitempty"`
	EnvelopeID         string          `json:"envelope_id,omitempty"`
	EnvelopeStatus     string          `json:"envelope_status,omitempty"`
}

var last4Pattern = regexp.MustCompile(`^\d{4}$`)

// Upload stores a new document and moves the affiliate to pending_review.
// Fails with ErrDuplicateSubmission while a prior submission is under review.
func (s *Service) Upload(ctx context.Context, actor domain.Actor, in UploadInput) (domain.DocumentRecord, StatusSummary, error) {
	ctx, span := s.tracer.Start(ctx, "W9Service.Upload")
	defer span.End()

	s.audit.Append(ctx, domain.AuditUploadAttempt, actor,
		domain.AuditTarget{OwnerID: actor.ID},
		map[string]any{"file_name": in.OriginalName, "size_bytes": len(in.File)})

	st, err := s.currentStatus(ctx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return domain.DocumentRecord{}, StatusSummary{}, err
	}
	if st.Status == domain.W9PendingReview {
		s.auditUploadFailure(ctx, actor, "duplicate_submission")
		return domain.DocumentRecord{}, StatusSummary{}, domain.ErrDuplicateSubmission
	}
	if st.Status == domain.W9Verified {
		s.auditUploadFailure(ctx, actor, "already_verified")
		return domain.DocumentRecord{}, StatusSummary{}, fmt.Errorf("%w: a verified document is already on file", domain.ErrValidation)
	}

	storageKey, err := s.store.Store(ctx, vault.StoreInput{
		Bytes:        in.File,
		OriginalName: in.OriginalName,
		MimeType:     in.MimeType,
		OwnerID:      actor.ID,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrValidation) {
			s.auditUploadFailure(ctx, actor, err.Error())
		} else {
			s.audit.Append(ctx, domain.AuditEncryptionFailed, actor,
				domain.AuditTarget{OwnerID: actor.ID},
				map[string]any{"success": false, "error": err.Error()})
		}
		return domain.DocumentRecord{}, StatusSummary{}, err
	}

	rec, err := s.docs.Create(ctx, domain.DocumentRecord{
		OwnerID:            actor.ID,
		StorageKey:         storageKey,
		OriginalName:       in.OriginalName,
		MimeType:           in.MimeType,
		SizeBytes:          int64(len(in.File)),
		VerificationStatus: domain.VerificationPending,
	})
	if err != nil {
		span.RecordError(err)
		s.auditUploadFailure(ctx, actor, "persist_failed")
		return domain.DocumentRecord{}, StatusSummary{}, fmt.Errorf("create document record: %w", err)
	}

	now := s.nowFn().UTC()
	st.Status = domain.W9PendingReview
	st.DocumentID = &rec.ID
	st.SubmittedAt = &now
	st.RejectedAt = nil
	st.RejectionReason = ""
	if err := s.statuses.Save(ctx, st); err != nil {
		span.RecordError(err)
		return domain.DocumentRecord{}, StatusSummary{}, fmt.Errorf("save tax status: %w", err)
	}

	s.audit.Append(ctx, domain.AuditUploadSuccess, actor,
		domain.AuditTarget{OwnerID: actor.ID, DocumentID: &rec.ID},
		map[string]any{"size_bytes": rec.SizeBytes, "mime_type": rec.MimeType})

	s.logger.Info("w9 uploaded",
		zap.String("affiliate_id", actor.ID),
		zap.String("document_id", rec.ID.String()),
	)
	return rec, s.summarize(st), nil
}

// Status returns the affiliate's current summary. Unknown affiliates read as
// not_submitted.
func (s *Service) Status(ctx context.Context, affiliateID string) (StatusSummary, error) {
	st, err := s.currentStatus(ctx, affiliateID)
	if err != nil {
		return StatusSummary{}, err
	}
	return s.summarize(st), nil
}

// Download decrypts the affiliate's active document. The audit action
// distinguishes self-service from administrator access.
func (s *Service) Download(ctx context.Context, actor domain.Actor, affiliateID string) (domain.DocumentRecord, []byte, error) {
	ctx, span := s.tracer.Start(ctx, "W9Service.Download")
	defer span.End()

	if actor.Role == domain.RoleAffiliate && actor.ID != affiliateID {
		s.audit.Append(ctx, domain.AuditAccessDenied, actor,
			domain.AuditTarget{OwnerID: affiliateID},
			map[string]any{"success": false, "reason": "cross_affiliate_download"})
		return domain.DocumentRecord{}, nil, domain.ErrForbidden
	}

	rec, err := s.docs.GetActiveByOwner(ctx, affiliateID)
	if err != nil {
		span.RecordError(err)
		return domain.DocumentRecord{}, nil, err
	}

	data, err := s.store.Retrieve(ctx, rec.StorageKey)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrIntegrity) {
			s.audit.Append(ctx, domain.AuditDecryptionFailed, actor,
				domain.AuditTarget{OwnerID: affiliateID, DocumentID: &rec.ID},
				map[string]any{"success": false, "error": err.Error()})
		}
		return domain.DocumentRecord{}, nil, err
	}

	action := domain.AuditDownloadAffiliate
	if actor.Role == domain.RoleAdministrator {
		action = domain.AuditDownloadAdmin
	}
	s.audit.Append(ctx, action, actor,
		domain.AuditTarget{OwnerID: affiliateID, DocumentID: &rec.ID},
		map[string]any{"size_bytes": rec.SizeBytes})
	return rec, data, nil
}

// Verify moves pending_review to verified and records the disclosed tax data.
func (s *Service) Verify(ctx context.Context, actor domain.Actor, affiliateID string, in VerifyInput) (StatusSummary, error) {
	ctx, span := s.tracer.Start(ctx, "W9Service.Verify")
	defer span.End()

	s.audit.Append(ctx, domain.AuditVerifyAttempt, actor,
		domain.AuditTarget{OwnerID: affiliateID}, nil)

	taxIDType := strings.ToUpper(strings.TrimSpace(in.TaxIDType))
	if taxIDType != "SSN" && taxIDType != "EIN" {
		return StatusSummary{}, fmt.Errorf("%w: tax id type must be SSN or EIN", domain.ErrValidation)
	}
	if !last4Pattern.MatchString(in.TaxIDLast4) {
		return StatusSummary{}, fmt.Errorf("%w: tax id last4 must be four digits", domain.ErrValidation)
	}

	st, rec, err := s.pendingSubmission(ctx, affiliateID)
	if err != nil {
		span.RecordError(err)
		return StatusSummary{}, err
	}

	now := s.nowFn().UTC()
	expiry := now.Add(s.cfg.ValidityWindow)
	if err := s.docs.UpdateVerification(ctx, rec.ID, domain.VerificationVerified, &expiry); err != nil {
		span.RecordError(err)
		return StatusSummary{}, err
	}

	st.Status = domain.W9Verified
	st.TaxIDType = taxIDType
	st.TaxIDLast4 = in.TaxIDLast4
	st.BusinessName = strings.TrimSpace(in.BusinessName)
	st.VerifiedAt = &now
	st.ExpiryDate = &expiry
	st.RejectedAt = nil
	st.RejectionReason = ""
	if err := s.statuses.Save(ctx, st); err != nil {
		span.RecordError(err)
		return StatusSummary{}, fmt.Errorf("save tax status: %w", err)
	}

	s.audit.Append(ctx, domain.AuditVerifySuccess, actor,
		domain.AuditTarget{OwnerID: affiliateID, DocumentID: &rec.ID},
		map[string]any{"tax_id_type": taxIDType})

	s.logger.Info("w9 verified", zap.String("affiliate_id", affiliateID))
	return s.summarize(st), nil
}

// Reject moves pending_review to rejected with a human-readable reason and
// deactivates the submitted document.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, affiliateID, reason string) (StatusSummary, error) {
	ctx, span := s.tracer.Start(ctx, "W9Service.Reject")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return StatusSummary{}, fmt.Errorf("%w: rejection reason is required", domain.ErrValidation)
	}

	st, rec, err := s.pendingSubmission(ctx, affiliateID)
	if err != nil {
		span.RecordError(err)
		return StatusSummary{}, err
	}

	if err := s.docs.UpdateVerification(ctx, rec.ID, domain.VerificationRejected, nil); err != nil {
		span.RecordError(err)
		return StatusSummary{}, err
	}
	if err := s.docs.Deactivate(ctx, rec.ID); err != nil {
		span.RecordError(err)
		return StatusSummary{}, err
	}

	now := s.nowFn().UTC()
	st.Status = domain.W9Rejected
	st.RejectedAt = &now
	st.RejectionReason = reason
	if err := s.statuses.Save(ctx, st); err != nil {
		span.RecordError(err)
		return StatusSummary{}, fmt.Errorf("save tax status: %w", err)
	}

	s.audit.Append(ctx, domain.AuditReject, actor,
		domain.AuditTarget{OwnerID: affiliateID, DocumentID: &rec.ID},
		map[string]any{"reason": reason})

	s.logger.Info("w9 rejected", zap.String("affiliate_id", affiliateID), zap.String("reason", reason))
	return s.summarize(st), nil
}

// Expire moves a verified affiliate to expired once the validity window has
// elapsed and deactivates the record. Called by the retention scheduler.
func (s *Service) Expire(ctx context.Context, rec domain.DocumentRecord) error {
	st, err := s.currentStatus(ctx, rec.OwnerID)
	if err != nil {
		return err
	}
	if st.Status != domain.W9Verified {
		return nil
	}

	if err := s.docs.Deactivate(ctx, rec.ID); err != nil {
		return err
	}
	st.Status = domain.W9Expired
	if err := s.statuses.Save(ctx, st); err != nil {
		return fmt.Errorf("save tax status: %w", err)
	}

	s.audit.Append(ctx, domain.AuditExpire, domain.SystemActor,
		domain.AuditTarget{OwnerID: rec.OwnerID, DocumentID: &rec.ID},
		map[string]any{"expired_at": s.nowFn().UTC()})
	return nil
}

// VerifyDocumentIntegrity decrypts a stored document end to end and reports
// whether the authenticated ciphertext is intact. Tamper is recorded in the
// audit log.
func (s *Service) VerifyDocumentIntegrity(ctx context.Context, actor domain.Actor, documentID uuid.UUID) (domain.DocumentRecord, bool, error) {
	rec, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		return domain.DocumentRecord{}, false, err
	}

	result := s.store.VerifyIntegrity(ctx, rec.StorageKey)
	if !result.Valid {
		s.audit.Append(ctx, domain.AuditDecryptionFailed, actor,
			domain.AuditTarget{OwnerID: rec.OwnerID, DocumentID: &rec.ID},
			map[string]any{"success": false, "check": "integrity_sweep"})
		s.logger.Warn("document integrity check failed",
			zap.String("document_id", rec.ID.String()), zap.Error(result.Err))
	}
	return rec, result.Valid, nil
}

func (s *Service) currentStatus(ctx context.Context, affiliateID string) (domain.AffiliateTaxStatus, error) {
	st, err := s.statuses.Get(ctx, affiliateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AffiliateTaxStatus{AffiliateID: affiliateID, Status: domain.W9NotSubmitted}, nil
		}
		return domain.AffiliateTaxStatus{}, err
	}
	return st, nil
}

// pendingSubmission loads the status and active document, requiring a
// pending_review submission.
func (s *Service) pendingSubmission(ctx context.Context, affiliateID string) (domain.AffiliateTaxStatus, domain.DocumentRecord, error) {
	st, err := s.currentStatus(ctx, affiliateID)
	if err != nil {
		return domain.AffiliateTaxStatus{}, domain.DocumentRecord{}, err
	}
	if st.Status != domain.W9PendingReview {
		return domain.AffiliateTaxStatus{}, domain.DocumentRecord{}, fmt.Errorf("no pending submission: %w", domain.ErrNotFound)
	}
	rec, err := s.docs.GetActiveByOwner(ctx, affiliateID)
	if err != nil {
		return domain.AffiliateTaxStatus{}, domain.DocumentRecord{}, err
	}
	if rec.VerificationStatus != domain.VerificationPending {
		return domain.AffiliateTaxStatus{}, domain.DocumentRecord{}, fmt.Errorf("no pending document: %w", domain.ErrNotFound)
	}
	return st, rec, nil
}

func (s *Service) summarize(st domain.AffiliateTaxStatus) StatusSummary {
	summary := StatusSummary{
		Status:             st.Status,
		StatusDisplay:      st.Status.Display(),
		CanReceivePayments: st.Status.CanReceivePayments(),
		SubmittedAt:        st.SubmittedAt,
		VerifiedAt:         st.VerifiedAt,
		RejectedAt:         st.RejectedAt,
		RejectionReason:    st.RejectionReason,
		ExpiryDate:         st.ExpiryDate,
		EnvelopeID:         st.EnvelopeID,
		EnvelopeStatus:     string(st.EnvelopeStatus),
	}
	if st.Status == domain.W9Verified {
		summary.TaxInfo = &domain.TaxInfo{
			TaxIDType:    st.TaxIDType,
			TaxIDLast4:   st.TaxIDLast4,
			BusinessName: st.BusinessName,
		}
	}
	return summary
}

func (s *Service) auditUploadFailure(ctx context.Context, actor domain.Actor, reason string) {
	s.audit.Append(ctx, domain.AuditUploadFailed, actor,
		domain.AuditTarget{OwnerID: actor.ID},
		map[string]any{"success": false, "reason": reason})
}
