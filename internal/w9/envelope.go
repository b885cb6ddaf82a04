package w9

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/vault"
)

// CompletedSigning carries the signed form's structured fields and document
// bytes extracted by the e-signature orchestrator.
type CompletedSigning struct {
	TaxIDType    string
	TaxIDLast4   string
	BusinessName string
	Document     []byte
	FileName     string
}

var signingAuditAction = map[domain.EnvelopeStatus]domain.AuditAction{
	domain.EnvelopeSent:      domain.AuditSigningSent,
	domain.EnvelopeDelivered: domain.AuditSigningDelivered,
	domain.EnvelopeCompleted: domain.AuditSigningCompleted,
	domain.EnvelopeDeclined:  domain.AuditSigningDeclined,
	domain.EnvelopeVoided:    domain.AuditSigningVoided,
}

// EnvelopeState returns the affiliate's current status row for envelope
// decisions, defaulting an unknown affiliate to not submitted.
func (s *Service) EnvelopeState(ctx context.Context, affiliateID string) (domain.AffiliateTaxStatus, error) {
	return s.currentStatus(ctx, affiliateID)
}

// EnvelopeStateByID resolves the status row that owns an envelope.
func (s *Service) EnvelopeStateByID(ctx context.Context, envelopeID string) (domain.AffiliateTaxStatus, error) {
	return s.statuses.FindByEnvelopeID(ctx, envelopeID)
}

// AttachEnvelope records a freshly created signing envelope against the
// affiliate and applies the initial sent transition.
func (s *Service) AttachEnvelope(ctx context.Context, affiliateID, envelopeID string) (domain.AffiliateTaxStatus, error) {
	st, err := s.currentStatus(ctx, affiliateID)
	if err != nil {
		return domain.AffiliateTaxStatus{}, err
	}
	if st.EnvelopeInFlight() {
		return st, domain.ErrDuplicateEnvelope
	}

	st.EnvelopeID = envelopeID
	st.EnvelopeStatus = domain.EnvelopeSent
	if st.Status == domain.W9NotSubmitted || st.Status == domain.W9Rejected {
		st.Status = domain.W9PendingReview
		now := s.nowFn().UTC()
		st.SubmittedAt = &now
		st.RejectedAt = nil
		st.RejectionReason = ""
	}
	if err := s.statuses.Save(ctx, st); err != nil {
		return domain.AffiliateTaxStatus{}, fmt.Errorf("save tax status: %w", err)
	}

	s.audit.Append(ctx, domain.AuditSigningSent, domain.SystemActor,
		domain.AuditTarget{OwnerID: affiliateID},
		map[string]any{"envelope_id": envelopeID})
	return st, nil
}

// ApplyEnvelopeEvent applies a provider status event to the affiliate that
// owns the envelope. Events are idempotent under redelivery and never move
// state backwards: a stale event is a logged no-op, not an error.
func (s *Service) ApplyEnvelopeEvent(ctx context.Context, envelopeID string, event domain.EnvelopeStatus, completed *CompletedSigning) (domain.AffiliateTaxStatus, bool, error) {
	ctx, span := s.tracer.Start(ctx, "W9Service.ApplyEnvelopeEvent")
	defer span.End()

	st, err := s.statuses.FindByEnvelopeID(ctx, envelopeID)
	if err != nil {
		span.RecordError(err)
		return domain.AffiliateTaxStatus{}, false, err
	}

	if event == st.EnvelopeStatus {
		// Redelivery of an already-applied event.
		s.logger.Debug("envelope event redelivered",
			zap.String("envelope_id", envelopeID),
			zap.String("event", string(event)),
		)
		return st, false, nil
	}
	if event.Rank() <= st.EnvelopeStatus.Rank() {
		s.audit.Append(ctx, signingAuditAction[event], domain.SystemActor,
			domain.AuditTarget{OwnerID: st.AffiliateID},
			map[string]any{
				"envelope_id": envelopeID,
				"anomaly":     "out_of_order",
				"current":     string(st.EnvelopeStatus),
			})
		return st, false, nil
	}

	now := s.nowFn().UTC()
	switch event {
	case domain.EnvelopeSent, domain.EnvelopeDelivered:
		st.EnvelopeStatus = event
		if st.Status == domain.W9NotSubmitted || st.Status == domain.W9Rejected {
			st.Status = domain.W9PendingReview
			st.SubmittedAt = &now
		}

	case domain.EnvelopeCompleted:
		if st.Status == domain.W9Verified {
			// Guard against double-apply when a completed event raced a
			// direct verification.
			st.EnvelopeStatus = domain.EnvelopeCompleted
			if err := s.statuses.Save(ctx, st); err != nil {
				return domain.AffiliateTaxStatus{}, false, fmt.Errorf("save tax status: %w", err)
			}
			return st, false, nil
		}
		if completed == nil {
			return st, false, fmt.Errorf("%w: completed event without signing data", domain.ErrValidation)
		}
		updated, err := s.applyCompletedSigning(ctx, st, *completed, now)
		if err != nil {
			span.RecordError(err)
			return st, false, err
		}
		st = updated

	case domain.EnvelopeDeclined:
		st.EnvelopeStatus = domain.EnvelopeDeclined
		st.Status = domain.W9Rejected
		st.RejectedAt = &now
		st.RejectionReason = "Signing declined by affiliate"

	case domain.EnvelopeVoided:
		st.EnvelopeStatus = domain.EnvelopeNone
		st.EnvelopeID = ""
		if st.Status == domain.W9PendingReview {
			st.Status = domain.W9NotSubmitted
			st.SubmittedAt = nil
		}

	default:
		return st, false, fmt.Errorf("%w: envelope event %q", domain.ErrValidation, event)
	}

	if err := s.statuses.Save(ctx, st); err != nil {
		return domain.AffiliateTaxStatus{}, false, fmt.Errorf("save tax status: %w", err)
	}

	s.audit.Append(ctx, signingAuditAction[event], domain.SystemActor,
		domain.AuditTarget{OwnerID: st.AffiliateID, DocumentID: st.DocumentID},
		map[string]any{"envelope_id": envelopeID})

	s.logger.Info("envelope event applied",
		zap.String("affiliate_id", st.AffiliateID),
		zap.String("envelope_id", envelopeID),
		zap.String("event", string(event)),
		zap.String("status", string(st.Status)),
	)
	return st, true, nil
}

// applyCompletedSigning pulls the signed document into the vault, records it,
// and verifies the affiliate with the extracted tax fields.
func (s *Service) applyCompletedSigning(ctx context.Context, st domain.AffiliateTaxStatus, completed CompletedSigning, now time.Time) (domain.AffiliateTaxStatus, error) {
	fileName := completed.FileName
	if fileName == "" {
		fileName = "w9-signed.pdf"
	}
	storageKey, err := s.store.Store(ctx, vault.StoreInput{
		Bytes:        completed.Document,
		OriginalName: fileName,
		MimeType:     "application/pdf",
		OwnerID:      st.AffiliateID,
	})
	if err != nil {
		return st, fmt.Errorf("store signed document: %w", err)
	}

	expiry := now.Add(s.cfg.ValidityWindow)
	rec, err := s.docs.Create(ctx, domain.DocumentRecord{
		OwnerID:            st.AffiliateID,
		StorageKey:         storageKey,
		OriginalName:       fileName,
		MimeType:           "application/pdf",
		SizeBytes:          int64(len(completed.Document)),
		VerificationStatus: domain.VerificationPending,
	})
	if err != nil {
		return st, fmt.Errorf("create document record: %w", err)
	}
	if err := s.docs.UpdateVerification(ctx, rec.ID, domain.VerificationVerified, &expiry); err != nil {
		return st, err
	}

	st.Status = domain.W9Verified
	st.DocumentID = &rec.ID
	st.TaxIDType = completed.TaxIDType
	st.TaxIDLast4 = completed.TaxIDLast4
	st.BusinessName = completed.BusinessName
	st.VerifiedAt = &now
	st.ExpiryDate = &expiry
	st.EnvelopeStatus = domain.EnvelopeCompleted
	st.RejectedAt = nil
	st.RejectionReason = ""
	return st, nil
}
