package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CallerKey identifies an authenticated API caller. Roles are the default
// role set attached to access checks when the request carries none.
type CallerKey struct {
	ID        string
	Name      string
	KeyHash   string
	KeyPrefix string
	Roles     []string
	CreatedAt time.Time
}

// GenerateCallerKey creates a new wsk_ caller key with its bcrypt hash and
// prefix. Returns (fullKey, hash, prefix, error). The fullKey is shown to the
// caller once.
func GenerateCallerKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateCallerKey: %w", err)
	}
	fullKey := "wsk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateCallerKey: %w", err)
	}

	prefix := fullKey[:8] // "wsk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// CreateCallerKey mints a new caller key. Returns the stored row and the
// plaintext key (shown once).
func (s *Store) CreateCallerKey(ctx context.Context, name string, roles []string) (*CallerKey, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateCallerKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateCallerKey: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := asJSON(roles)
	if err != nil {
		return nil, "", fmt.Errorf("CreateCallerKey: %w", err)
	}

	ck := CallerKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Roles:     roles,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO caller_keys (id, name, key_hash, key_prefix, roles)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		ck.ID, ck.Name, ck.KeyHash, ck.KeyPrefix, rolesJSON,
	).Scan(&ck.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateCallerKey: %w", err)
	}

	return &ck, fullKey, nil
}

// LookupCallerKey finds a caller key by prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupCallerKey(ctx context.Context, prefix string) (*CallerKey, error) {
	var (
		ck       CallerKey
		rawRoles []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, COALESCE(roles, '[]'::jsonb), created_at
		FROM caller_keys WHERE key_prefix = $1`, prefix,
	).Scan(&ck.ID, &ck.Name, &ck.KeyHash, &ck.KeyPrefix, &rawRoles, &ck.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupCallerKey: %w", err)
	}
	if err := json.Unmarshal(rawRoles, &ck.Roles); err != nil {
		return nil, fmt.Errorf("LookupCallerKey: decode roles: %w", err)
	}
	return &ck, nil
}
