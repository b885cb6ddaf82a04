package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction is the closed set of security-relevant actions.
type AuditAction string

const (
	AuditInitiated         AuditAction = "initiated"
	AuditUploadAttempt     AuditAction = "upload_attempt"
	AuditUploadSuccess     AuditAction = "upload_success"
	AuditUploadFailed      AuditAction = "upload_failed"
	AuditDownloadAffiliate AuditAction = "download_affiliate"
	AuditDownloadAdmin     AuditAction = "download_admin"
	AuditVerifyAttempt     AuditAction = "verify_attempt"
	AuditVerifySuccess     AuditAction = "verify_success"
	AuditReject            AuditAction = "reject"
	AuditDelete            AuditAction = "delete"
	AuditExpire            AuditAction = "expire"
	AuditEncryptionFailed  AuditAction = "encryption_failed"
	AuditDecryptionFailed  AuditAction = "decryption_failed"
	AuditAccessDenied      AuditAction = "access_denied"
	AuditExport            AuditAction = "export"
	AuditSigningSent       AuditAction = "signing_sent"
	AuditSigningDelivered  AuditAction = "signing_delivered"
	AuditSigningCompleted  AuditAction = "signing_completed"
	AuditSigningDeclined   AuditAction = "signing_declined"
	AuditSigningVoided     AuditAction = "signing_voided"
	AuditLegalHold         AuditAction = "legal_hold"
)

// ActorRole identifies who performed an audited action.
type ActorRole string

const (
	RoleAffiliate     ActorRole = "affiliate"
	RoleAdministrator ActorRole = "administrator"
	RoleSystem        ActorRole = "system"
)

// Actor is the identity attached to an audit entry.
type Actor struct {
	ID          string
	Role        ActorRole
	DisplayName string
}

// SystemActor is the actor recorded for scheduler and webhook activity.
var SystemActor = Actor{ID: "system", Role: RoleSystem, DisplayName: "System"}

// AuditTarget names what the action touched.
type AuditTarget struct {
	OwnerID    string
	DocumentID *uuid.UUID
	ExportID   string
}

// AuditEntry is one immutable record in the append-only audit log. After
// insertion only Archived and ArchivedAt may change.
type AuditEntry struct {
	ID         uuid.UUID
	Action     AuditAction
	Actor      Actor
	Target     AuditTarget
	Details    map[string]any
	Timestamp  time.Time
	Archived   bool
	ArchivedAt *time.Time
}

// Success reports the success flag recorded in Details, defaulting to true
// when the action carries no explicit flag.
func (e AuditEntry) Success() bool {
	if e.Details == nil {
		return true
	}
	if v, ok := e.Details["success"].(bool); ok {
		return v
	}
	return true
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	Action AuditAction
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
