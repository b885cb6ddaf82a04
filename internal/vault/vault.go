// Package vault stores document bytes encrypted at rest. Each blob is
// persisted as nonce || authTag || ciphertext under a storage key that is
// never exposed outside the service.
package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/marketplane/taxdocs/internal/domain"
)

const (
	keyLen      = 32
	shardPrefix = 2
	dirPerm     = 0o700
	filePerm    = 0o600
)

// StoreInput carries one document into the vault.
type StoreInput struct {
	Bytes        []byte
	OriginalName string
	MimeType     string
	OwnerID      string
}

// IntegrityResult reports the outcome of a full-decrypt health check.
type IntegrityResult struct {
	Valid bool
	Err   error
}

// Store is the secure custody contract. The only component that touches raw
// file bytes.
type Store interface {
	Store(ctx context.Context, in StoreInput) (string, error)
	Retrieve(ctx context.Context, storageKey string) ([]byte, error)
	Delete(ctx context.Context, storageKey string) error
	VerifyIntegrity(ctx context.Context, storageKey string) IntegrityResult
}

// Options configures a FileStore.
type Options struct {
	Dir               string
	MasterKey         string
	KDFSalt           string
	KDFIterations     int
	MaxBytes          int64
	AcceptedMimeTypes []string
	NowFn             func() time.Time
}

// FileStore is the filesystem-backed Store. Blobs are sharded into
// subdirectories by a fixed-length prefix of the storage key.
type FileStore struct {
	dir      string
	key      []byte
	maxBytes int64
	accepted map[string]struct{}
	nowFn    func() time.Time
	logger   *zap.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore derives the encryption key and prepares the vault directory.
// The master secret is supplied externally and never written to disk.
func NewFileStore(opts Options, logger *zap.Logger) (*FileStore, error) {
	if opts.MasterKey == "" {
		return nil, fmt.Errorf("vault: master key is required")
	}
	if opts.KDFIterations < 100_000 {
		return nil, fmt.Errorf("vault: kdf iterations %d below minimum", opts.KDFIterations)
	}
	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	accepted := make(map[string]struct{}, len(opts.AcceptedMimeTypes))
	for _, m := range opts.AcceptedMimeTypes {
		accepted[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}

	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}

	derived := pbkdf2.Key([]byte(opts.MasterKey), []byte(opts.KDFSalt), opts.KDFIterations, keyLen, sha256.New)

	return &FileStore{
		dir:      opts.Dir,
		key:      derived,
		maxBytes: opts.MaxBytes,
		accepted: accepted,
		nowFn:    nowFn,
		logger:   logger,
	}, nil
}

// Store validates, encrypts, and persists one document, returning its
// opaque storage key.
func (s *FileStore) Store(ctx context.Context, in StoreInput) (string, error) {
	if len(in.Bytes) == 0 {
		return "", fmt.Errorf("%w: empty payload", domain.ErrValidation)
	}
	if s.maxBytes > 0 && int64(len(in.Bytes)) > s.maxBytes {
		return "", fmt.Errorf("%w: file exceeds %d byte limit", domain.ErrValidation, s.maxBytes)
	}
	if _, ok := s.accepted[strings.ToLower(strings.TrimSpace(in.MimeType))]; !ok {
		return "", fmt.Errorf("%w: mime type %q not accepted", domain.ErrValidation, in.MimeType)
	}

	storageKey := s.newStorageKey(in.OwnerID)

	blob, err := s.seal(in.Bytes)
	if err != nil {
		s.logger.Error("vault encryption failed", zap.String("owner_id", in.OwnerID), zap.Error(err))
		return "", fmt.Errorf("encrypt document: %w", err)
	}

	path := s.blobPath(storageKey)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.WriteFile(path, blob, filePerm); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	s.logger.Debug("document stored",
		zap.String("owner_id", in.OwnerID),
		zap.Int("size_bytes", len(in.Bytes)),
	)
	return storageKey, nil
}

// Retrieve decrypts and returns the document bytes. A tag mismatch surfaces
// as domain.ErrIntegrity, never as silent wrong plaintext.
func (s *FileStore) Retrieve(ctx context.Context, storageKey string) ([]byte, error) {
	blob, err := os.ReadFile(s.blobPath(storageKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read blob: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	plain, err := s.open(blob)
	if err != nil {
		s.logger.Warn("vault decryption failed", zap.String("storage_key", storageKey), zap.Error(err))
		return nil, err
	}
	return plain, nil
}

// Delete unlinks the blob. A missing file is treated as already deleted so
// retention retries stay idempotent.
func (s *FileStore) Delete(ctx context.Context, storageKey string) error {
	if err := os.Remove(s.blobPath(storageKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// VerifyIntegrity exercises a full decrypt without returning plaintext.
func (s *FileStore) VerifyIntegrity(ctx context.Context, storageKey string) IntegrityResult {
	if _, err := s.Retrieve(ctx, storageKey); err != nil {
		return IntegrityResult{Valid: false, Err: err}
	}
	return IntegrityResult{Valid: true}
}

func (s *FileStore) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	var buf bytes.Buffer
	buf.Grow(len(nonce) + len(tag) + len(ciphertext))
	buf.Write(nonce)
	buf.Write(tag)
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

func (s *FileStore) open(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	minLen := gcm.NonceSize() + gcm.Overhead()
	if len(blob) < minLen {
		return nil, fmt.Errorf("%w: blob truncated", domain.ErrIntegrity)
	}

	nonce := blob[:gcm.NonceSize()]
	tag := blob[gcm.NonceSize() : gcm.NonceSize()+gcm.Overhead()]
	ciphertext := blob[gcm.NonceSize()+gcm.Overhead():]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return plain, nil
}

// newStorageKey combines owner, a monotonic timestamp, and random entropy to
// avoid collisions without leaking document identity.
func (s *FileStore) newStorageKey(ownerID string) string {
	return fmt.Sprintf("%s-%d-%s", sanitizeOwner(ownerID), s.nowFn().UTC().UnixNano(), uuid.NewString())
}

func (s *FileStore) blobPath(storageKey string) string {
	shard := storageKey
	if len(shard) > shardPrefix {
		shard = shard[:shardPrefix]
	}
	return filepath.Join(s.dir, shard, storageKey)
}

func sanitizeOwner(ownerID string) string {
	var b strings.Builder
	for _, r := range ownerID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
