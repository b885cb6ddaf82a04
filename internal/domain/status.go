package domain

// W9Status is the authoritative per-affiliate tax document status.
type W9Status string

const (
	W9NotSubmitted  W9Status = "not_submitted"
	W9PendingReview W9Status = "pending_review"
	W9Verified      W9Status = "verified"
	W9Rejected      W9Status = "rejected"
	W9Expired       W9Status = "expired"
)

var w9Display = map[W9Status]string{
	W9NotSubmitted:  "Not Submitted",
	W9PendingReview: "Pending Review",
	W9Verified:      "Verified",
	W9Rejected:      "Rejected",
	W9Expired:       "Expired",
}

// Display returns the human-readable label for the status.
func (s W9Status) Display() string {
	if label, ok := w9Display[s]; ok {
		return label
	}
	return string(s)
}

// CanReceivePayments reports whether the affiliate is payable under this status.
func (s W9Status) CanReceivePayments() bool {
	return s == W9Verified
}

// VerificationStatus tracks review state on an individual document record.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// EnvelopeStatus is the signing-session state reported by the e-signature provider.
type EnvelopeStatus string

const (
	EnvelopeNone      EnvelopeStatus = ""
	EnvelopeSent      EnvelopeStatus = "sent"
	EnvelopeDelivered EnvelopeStatus = "delivered"
	EnvelopeCompleted EnvelopeStatus = "completed"
	EnvelopeDeclined  EnvelopeStatus = "declined"
	EnvelopeVoided    EnvelopeStatus = "voided"
)

// envelopeRank orders envelope states so late redeliveries cannot move state
// backwards. Terminal states share the highest rank.
var envelopeRank = map[EnvelopeStatus]int{
	EnvelopeNone:      0,
	EnvelopeSent:      1,
	EnvelopeDelivered: 2,
	EnvelopeCompleted: 3,
	EnvelopeDeclined:  3,
	EnvelopeVoided:    3,
}

// Rank returns the ordering position of the envelope status.
func (s EnvelopeStatus) Rank() int {
	return envelopeRank[s]
}

// InFlight reports whether the envelope is awaiting signer action.
func (s EnvelopeStatus) InFlight() bool {
	return s == EnvelopeSent || s == EnvelopeDelivered
}

// Terminal reports whether the envelope can no longer change.
func (s EnvelopeStatus) Terminal() bool {
	return s == EnvelopeCompleted || s == EnvelopeDeclined || s == EnvelopeVoided
}

// ParseEnvelopeStatus maps the provider's event vocabulary onto the local one.
func ParseEnvelopeStatus(raw string) (EnvelopeStatus, bool) {
	switch EnvelopeStatus(raw) {
	case EnvelopeSent, EnvelopeDelivered, EnvelopeCompleted, EnvelopeDeclined, EnvelopeVoided:
		return EnvelopeStatus(raw), true
	}
	return EnvelopeNone, false
}
