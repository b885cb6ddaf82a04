package domain

import (
	"time"

	"github.com/google/uuid"
)

// DocumentRecord tracks metadata for one stored document version. The raw
// bytes live in the vault under StorageKey; the record outlives the bytes.
type DocumentRecord struct {
	ID                 uuid.UUID
	OwnerID            string
	StorageKey         string
	OriginalName       string
	MimeType           string
	SizeBytes          int64
	VerificationStatus VerificationStatus
	IsActive           bool
	ExpiryDate         *time.Time
	Deleted            bool
	DeletedAt          *time.Time
	DeletionReason     string
	LegalHold          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AffiliateTaxStatus is the per-affiliate view of the W9 lifecycle.
type AffiliateTaxStatus struct {
	AffiliateID     string
	Status          W9Status
	DocumentID      *uuid.UUID
	TaxIDType       string
	TaxIDLast4      string
	BusinessName    string
	SubmittedAt     *time.Time
	VerifiedAt      *time.Time
	RejectedAt      *time.Time
	RejectionReason string
	ExpiryDate      *time.Time
	EnvelopeID      string
	EnvelopeStatus  EnvelopeStatus
	UpdatedAt       time.Time
}

// EnvelopeInFlight reports whether a signing session is already awaiting the
// affiliate. At most one envelope may be in flight per affiliate.
func (t AffiliateTaxStatus) EnvelopeInFlight() bool {
	return t.EnvelopeID != "" && t.EnvelopeStatus.InFlight()
}

// TaxInfo is the disclosed subset of verified tax data.
type TaxInfo struct {
	TaxIDType    string `json:"tax_id_type"`
	TaxIDLast4   string `json:"tax_id_last4"`
	BusinessName string `json:"business_name,omitempty"`
}
