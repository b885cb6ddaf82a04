package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketplane/taxdocs/internal/domain"
)

// Compile-time interface assertions.
var (
	_ DocumentRepository  = (*PostgresDocumentRepo)(nil)
	_ TaxStatusRepository = (*PostgresTaxStatusRepo)(nil)
	_ AuditRepository     = (*PostgresAuditRepo)(nil)
	_ TokenRepository     = (*PostgresTokenRepo)(nil)
)

// PostgresDocumentRepo implements DocumentRepository on pgx.
type PostgresDocumentRepo struct {
	db *pgxpool.Pool
}

func NewPostgresDocumentRepo(pool *pgxpool.Pool) *PostgresDocumentRepo {
	return &PostgresDocumentRepo{db: pool}
}

const documentColumns = `id, owner_id, storage_key, original_name, mime_type, size_bytes,
verification_status, is_active, expiry_date, deleted, deleted_at, deletion_reason, legal_hold,
created_at, updated_at`

const insertDocumentSQL = `INSERT INTO document_records
(id, owner_id, storage_key, original_name, mime_type, size_bytes, verification_status, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, true)
RETURNING ` + documentColumns

const deactivateOwnerDocsSQL = `UPDATE document_records
SET is_active = false, updated_at = now()
WHERE owner_id = $1 AND is_active = true AND id <> $2`

func (r *PostgresDocumentRepo) Create(ctx context.Context, rec domain.DocumentRecord) (domain.DocumentRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.VerificationStatus == "" {
		rec.VerificationStatus = domain.VerificationPending
	}

	row := tx.QueryRow(ctx, insertDocumentSQL,
		rec.ID, rec.OwnerID, rec.StorageKey, rec.OriginalName, rec.MimeType, rec.SizeBytes, rec.VerificationStatus)
	created, err := scanDocument(row)
	if err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("insert document: %w", err)
	}

	if _, err := tx.Exec(ctx, deactivateOwnerDocsSQL, rec.OwnerID, created.ID); err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("supersede prior document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (r *PostgresDocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.DocumentRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM document_records WHERE id = $1`, id)
	rec, err := scanDocument(row)
	if err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("get document: %w", mapNoRows(err))
	}
	return rec, nil
}

func (r *PostgresDocumentRepo) GetActiveByOwner(ctx context.Context, ownerID string) (domain.DocumentRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM document_records WHERE owner_id = $1 AND is_active = true AND deleted = false`,
		ownerID)
	rec, err := scanDocument(row)
	if err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("get active document: %w", mapNoRows(err))
	}
	return rec, nil
}

func (r *PostgresDocumentRepo) UpdateVerification(ctx context.Context, id uuid.UUID, status domain.VerificationStatus, expiry *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE document_records SET verification_status = $2, expiry_date = $3, updated_at = now() WHERE id = $1`,
		id, status, expiry)
	if err != nil {
		return fmt.Errorf("update verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update verification: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresDocumentRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE document_records SET is_active = false, updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate document: %w", err)
	}
	return nil
}

func (r *PostgresDocumentRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE document_records SET deleted = true, deleted_at = $2, deletion_reason = $3, is_active = false, updated_at = now() WHERE id = $1`,
		id, at, reason); err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	return nil
}

func (r *PostgresDocumentRepo) SetLegalHold(ctx context.Context, id uuid.UUID, hold bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE document_records SET legal_hold = $2, updated_at = now() WHERE id = $1`, id, hold)
	if err != nil {
		return fmt.Errorf("set legal hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set legal hold: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresDocumentRepo) ListExpired(ctx context.Context, now time.Time) ([]domain.DocumentRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM document_records
		 WHERE is_active = true AND verification_status = 'verified'
		   AND expiry_date IS NOT NULL AND expiry_date <= $1 AND legal_hold = false`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func (r *PostgresDocumentRepo) ListPurgeable(ctx context.Context, cutoff time.Time) ([]domain.DocumentRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM document_records
		 WHERE (deleted = true OR is_active = false) AND created_at <= $1 AND legal_hold = false`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("list purgeable: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func (r *PostgresDocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM document_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (domain.DocumentRecord, error) {
	var rec domain.DocumentRecord
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.StorageKey, &rec.OriginalName, &rec.MimeType, &rec.SizeBytes,
		&rec.VerificationStatus, &rec.IsActive, &rec.ExpiryDate, &rec.Deleted, &rec.DeletedAt,
		&rec.DeletionReason, &rec.LegalHold, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func collectDocuments(rows pgx.Rows) ([]domain.DocumentRecord, error) {
	var out []domain.DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PostgresTaxStatusRepo implements TaxStatusRepository.
type PostgresTaxStatusRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTaxStatusRepo(pool *pgxpool.Pool) *PostgresTaxStatusRepo {
	return &PostgresTaxStatusRepo{db: pool}
}

const taxStatusColumns = `affiliate_id, status, document_id, tax_id_type, tax_id_last4, business_name,
submitted_at, verified_at, rejected_at, rejection_reason, expiry_date, envelope_id, envelope_status, updated_at`

const upsertTaxStatusSQL = `INSERT INTO affiliate_tax_status
(affiliate_id, status, document_id, tax_id_type, tax_id_last4, business_name,
 submitted_at, verified_at, rejected_at, rejection_reason, expiry_date, envelope_id, envelope_status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
ON CONFLICT (affiliate_id) DO UPDATE SET
 status = EXCLUDED.status,
 document_id = EXCLUDED.document_id,
 tax_id_type = EXCLUDED.tax_id_type,
 tax_id_last4 = EXCLUDED.tax_id_last4,
 business_name = EXCLUDED.business_name,
 submitted_at = EXCLUDED.submitted_at,
 verified_at = EXCLUDED.verified_at,
 rejected_at = EXCLUDED.rejected_at,
 rejection_reason = EXCLUDED.rejection_reason,
 expiry_date = EXCLUDED.expiry_date,
 envelope_id = EXCLUDED.envelope_id,
 envelope_status = EXCLUDED.envelope_status,
 updated_at = now()`

func (r *PostgresTaxStatusRepo) Get(ctx context.Context, affiliateID string) (domain.AffiliateTaxStatus, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+taxStatusColumns+` FROM affiliate_tax_status WHERE affiliate_id = $1`, affiliateID)
	st, err := scanTaxStatus(row)
	if err != nil {
		return domain.AffiliateTaxStatus{}, fmt.Errorf("get tax status: %w", mapNoRows(err))
	}
	return st, nil
}

func (r *PostgresTaxStatusRepo) Save(ctx context.Context, st domain.AffiliateTaxStatus) error {
	_, err := r.db.Exec(ctx, upsertTaxStatusSQL,
		st.AffiliateID, st.Status, st.DocumentID, st.TaxIDType, st.TaxIDLast4, st.BusinessName,
		st.SubmittedAt, st.VerifiedAt, st.RejectedAt, st.RejectionReason, st.ExpiryDate,
		st.EnvelopeID, st.EnvelopeStatus)
	if err != nil {
		return fmt.Errorf("save tax status: %w", err)
	}
	return nil
}

func (r *PostgresTaxStatusRepo) FindByEnvelopeID(ctx context.Context, envelopeID string) (domain.AffiliateTaxStatus, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+taxStatusColumns+` FROM affiliate_tax_status WHERE envelope_id = $1`, envelopeID)
	st, err := scanTaxStatus(row)
	if err != nil {
		return domain.AffiliateTaxStatus{}, fmt.Errorf("find by envelope: %w", mapNoRows(err))
	}
	return st, nil
}

func scanTaxStatus(row pgx.Row) (domain.AffiliateTaxStatus, error) {
	var st domain.AffiliateTaxStatus
	err := row.Scan(
		&st.AffiliateID, &st.Status, &st.DocumentID, &st.TaxIDType, &st.TaxIDLast4, &st.BusinessName,
		&st.SubmittedAt, &st.VerifiedAt, &st.RejectedAt, &st.RejectionReason, &st.ExpiryDate,
		&st.EnvelopeID, &st.EnvelopeStatus, &st.UpdatedAt,
	)
	return st, err
}

// PostgresAuditRepo implements AuditRepository. Immutability of persisted
// entries is enforced twice: no update statement exists here, and the schema
// carries a trigger rejecting updates to any column other than archived and
// archived_at.
type PostgresAuditRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAuditRepo(pool *pgxpool.Pool) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: pool}
}

const insertAuditSQL = `INSERT INTO audit_log
(id, action, actor_id, actor_role, actor_name, owner_id, document_id, export_id, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at`

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal details: %w", err)
	}
	row := r.db.QueryRow(ctx, insertAuditSQL,
		entry.ID, entry.Action, entry.Actor.ID, entry.Actor.Role, entry.Actor.DisplayName,
		entry.Target.OwnerID, entry.Target.DocumentID, entry.Target.ExportID, details, entry.Timestamp)
	if err := row.Scan(&entry.Timestamp); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresAuditRepo) QueryByOwner(ctx context.Context, ownerID string, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id, action, actor_id, actor_role, actor_name, owner_id, document_id, export_id, details, created_at, archived, archived_at
FROM audit_log WHERE owner_id = $1`
	args := []any{ownerID}

	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			entry   domain.AuditEntry
			details []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.Action, &entry.Actor.ID, &entry.Actor.Role, &entry.Actor.DisplayName,
			&entry.Target.OwnerID, &entry.Target.DocumentID, &entry.Target.ExportID,
			&details, &entry.Timestamp, &entry.Archived, &entry.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *PostgresAuditRepo) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE audit_log SET archived = true, archived_at = now() WHERE created_at < $1 AND archived = false`,
		cutoff)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0001" {
			// The audit_log_guard trigger rejected the statement.
			return 0, fmt.Errorf("archive audit entries: %w", domain.ErrImmutableEntry)
		}
		return 0, fmt.Errorf("archive audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresTokenRepo implements TokenRepository over the single-row token
// table.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const tokenColumns = `id, access_token, refresh_token, expires_at, status, created_at, updated_at`

func (r *PostgresTokenRepo) Get(ctx context.Context) (domain.ProviderToken, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens ORDER BY id DESC LIMIT 1`)
	token, err := scanToken(row)
	if err != nil {
		return domain.ProviderToken{}, fmt.Errorf("get provider token: %w", mapNoRows(err))
	}
	return token, nil
}

const upsertTokenSQL = `INSERT INTO provider_tokens (id, access_token, refresh_token, expires_at, status, updated_at)
VALUES (1, $1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE SET
 access_token = EXCLUDED.access_token,
 refresh_token = EXCLUDED.refresh_token,
 expires_at = EXCLUDED.expires_at,
 status = EXCLUDED.status,
 updated_at = now()
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Save(ctx context.Context, token domain.ProviderToken) (domain.ProviderToken, error) {
	row := r.db.QueryRow(ctx, upsertTokenSQL,
		token.AccessToken, token.RefreshToken, token.ExpiresAt, token.Status)
	saved, err := scanToken(row)
	if err != nil {
		return domain.ProviderToken{}, fmt.Errorf("save provider token: %w", err)
	}
	return saved, nil
}

func (r *PostgresTokenRepo) UpdateIfCurrent(ctx context.Context, currentAccess string, token domain.ProviderToken) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE provider_tokens SET access_token = $2, refresh_token = $3, expires_at = $4, status = $5, updated_at = now()
		 WHERE id = 1 AND access_token = $1`,
		currentAccess, token.AccessToken, token.RefreshToken, token.ExpiresAt, token.Status)
	if err != nil {
		return false, fmt.Errorf("conditional token update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanToken(row pgx.Row) (domain.ProviderToken, error) {
	var t domain.ProviderToken
	err := row.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
