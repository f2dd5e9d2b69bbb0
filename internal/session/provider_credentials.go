package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCredential returns the stored credential value for a provider, or ok
// false if none is stored. Grounded on ProviderCredentials::get.
func (s *Store) GetCredential(ctx context.Context, providerID string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT credential_value FROM provider_credentials WHERE provider_id = ?",
		providerID,
	)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session: get credential: %w", err)
	}
	return value, true, nil
}

// GetCredentialRecord returns the full stored row for a provider credential,
// or nil if none is stored. Grounded on ProviderCredentials::get_record.
func (s *Store) GetCredentialRecord(ctx context.Context, providerID string) (*ProviderCredential, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT provider_id, credential_value, created_at_ms, updated_at_ms FROM provider_credentials WHERE provider_id = ?",
		providerID,
	)
	var rec ProviderCredential
	if err := row.Scan(&rec.ProviderID, &rec.CredentialValue, &rec.CreatedAtMs, &rec.UpdatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: get credential record: %w", err)
	}
	return &rec, nil
}

// UpsertCredential stores or replaces the credential value for a provider.
// Grounded on ProviderCredentials::upsert's INSERT ... ON CONFLICT DO UPDATE.
func (s *Store) UpsertCredential(ctx context.Context, providerID, credentialValue string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_credentials (provider_id, credential_value, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
		   credential_value = excluded.credential_value,
		   updated_at_ms = excluded.updated_at_ms`,
		providerID, credentialValue, now, now,
	)
	if err != nil {
		return fmt.Errorf("session: upsert credential: %w", err)
	}
	return nil
}
