package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phlow-auth/phlow-go/pkg/agentcard"
)

// PostgresStore implements Store against the shared registry database.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore over an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetAgentCard(ctx context.Context, agentID string) (*agentcard.AgentCard, error) {
	query := `
		SELECT agent_id, name, COALESCE(description, ''), public_key,
		       COALESCE(service_url, ''), skills, metadata
		FROM agent_cards
		WHERE agent_id = $1`

	var card agentcard.AgentCard
	var skills, metadata []byte
	err := s.db.QueryRow(ctx, query, agentID).Scan(
		&card.AgentID, &card.Name, &card.Description, &card.PublicKey,
		&card.ServiceURL, &skills, &metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent_cards: %w", err)
	}

	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &card.Skills); err != nil {
			return nil, fmt.Errorf("decode skills for %s: %w", agentID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &card.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", agentID, err)
		}
	}
	return &card, nil
}

func (s *PostgresStore) RecordAuthEvent(ctx context.Context, ev *AuthEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO auth_audit_log (id, agent_id, timestamp, event_type, success, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.Exec(ctx, query, uuid.New(), ev.AgentID, ts, ev.EventType, ev.Success, meta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert auth_audit_log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVerifiedRole(ctx context.Context, agentID, role string) (*VerifiedRole, error) {
	query := `
		SELECT agent_id, role, verified_at, expires_at, credential_hash,
		       COALESCE(issuer_did, ''), metadata
		FROM verified_roles
		WHERE agent_id = $1
		  AND role = $2
		  AND (expires_at IS NULL OR expires_at > now())`

	var row VerifiedRole
	var metadata []byte
	err := s.db.QueryRow(ctx, query, agentID, role).Scan(
		&row.AgentID, &row.Role, &row.VerifiedAt, &row.ExpiresAt,
		&row.CredentialHash, &row.IssuerDID, &metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query verified_roles: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &row.Metadata); err != nil {
			return nil, fmt.Errorf("decode verified role metadata: %w", err)
		}
	}
	return &row, nil
}

func (s *PostgresStore) UpsertVerifiedRole(ctx context.Context, row *VerifiedRole) error {
	meta, err := json.Marshal(row.Metadata)
	if err != nil {
		return fmt.Errorf("marshal verified role metadata: %w", err)
	}

	query := `
		INSERT INTO verified_roles (id, agent_id, role, verified_at, expires_at, credential_hash, issuer_did, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id, role) DO UPDATE SET
			verified_at     = EXCLUDED.verified_at,
			expires_at      = EXCLUDED.expires_at,
			credential_hash = EXCLUDED.credential_hash,
			issuer_did      = EXCLUDED.issuer_did,
			metadata        = EXCLUDED.metadata`
	_, err = s.db.Exec(ctx, query,
		uuid.New(), row.AgentID, row.Role, row.VerifiedAt, row.ExpiresAt,
		row.CredentialHash, nullable(row.IssuerDID), meta,
	)
	if err != nil {
		return fmt.Errorf("upsert verified_roles: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDIDKeys(ctx context.Context, did string) ([]DIDKey, error) {
	query := `
		SELECT did, key_fragment, public_key, COALESCE(key_type, '')
		FROM did_public_keys
		WHERE did = $1`

	rows, err := s.db.Query(ctx, query, did)
	if err != nil {
		return nil, fmt.Errorf("query did_public_keys: %w", err)
	}
	defer rows.Close()

	var keys []DIDKey
	for rows.Next() {
		var k DIDKey
		if err := rows.Scan(&k.DID, &k.KeyFragment, &k.PublicKey, &k.KeyType); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return keys, nil
}

func (s *PostgresStore) UpsertDIDKey(ctx context.Context, key *DIDKey) error {
	query := `
		INSERT INTO did_public_keys (id, did, key_fragment, public_key, key_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (did, key_fragment) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			key_type   = EXCLUDED.key_type,
			updated_at = now()`
	_, err := s.db.Exec(ctx, query, uuid.New(), key.DID, key.KeyFragment, key.PublicKey, key.KeyType)
	if err != nil {
		return fmt.Errorf("upsert did_public_keys: %w", err)
	}
	return nil
}

// nullable maps "" to SQL NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
