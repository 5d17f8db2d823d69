package store

import (
	"context"
	"fmt"

	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/timeutil"
)

// UpsertProfileProperty writes one tracked profile property, marking the
// row unsynced until a push or reconciliation confirms it.
func (s *Store) UpsertProfileProperty(ctx context.Context, email, prop, value string) error {
	if !record.KnownProfileProperty(prop) {
		return fmt.Errorf("unknown profile property %q", prop)
	}

	now := timeutil.NowUTC()
	query := fmt.Sprintf(`
	INSERT INTO profile (email, %s, last_updated_at, is_synced, created_at, updated_at)
	VALUES (?, ?, ?, 0, ?, ?)
	ON CONFLICT(email) DO UPDATE SET
		%s = excluded.%s,
		last_updated_at = excluded.last_updated_at,
		is_synced = 0,
		updated_at = excluded.updated_at
	`, prop, prop, prop)

	if _, err := s.conn.ExecContext(ctx, query, email, value, now, now, now); err != nil {
		return fmt.Errorf("failed to upsert profile property %s: %w", prop, err)
	}
	return nil
}

// Profile retrieves a profile row by email.
// Returns sql.ErrNoRows if no profile exists.
func (s *Store) Profile(ctx context.Context, email string) (*record.Profile, error) {
	query := `
	SELECT email, name, dob, employment_type, designation, photo_url,
	       last_updated_at, server_last_synced_at, is_synced, created_at, updated_at
	FROM profile
	WHERE email = ?
	`

	row := s.conn.QueryRowContext(ctx, query, email)

	var (
		p     record.Profile
		props [5]string
	)
	err := row.Scan(&p.Email, &props[0], &props[1], &props[2], &props[3], &props[4],
		&p.LastUpdatedAt, &p.ServerLastSyncedAt, &p.Synced, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Properties = make(map[string]string, len(record.ProfileProperties))
	for i, prop := range record.ProfileProperties {
		p.Properties[prop] = props[i]
	}

	return &p, nil
}

// MarkProfileSynced records a confirmed server sync for a profile row.
func (s *Store) MarkProfileSynced(ctx context.Context, email string, serverSyncedAt int64) error {
	query := `
	UPDATE profile
	SET is_synced = 1, server_last_synced_at = ?, updated_at = ?
	WHERE email = ?
	`
	if _, err := s.conn.ExecContext(ctx, query, serverSyncedAt, timeutil.NowUTC(), email); err != nil {
		return fmt.Errorf("failed to mark profile synced: %w", err)
	}
	return nil
}

// PutSetting writes a key/value setting, marking it unsynced.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	now := timeutil.NowUTC()
	query := `
	INSERT INTO settings (key, value, is_synced, last_updated_at, created_at, updated_at)
	VALUES (?, ?, 0, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		is_synced = 0,
		last_updated_at = excluded.last_updated_at,
		updated_at = excluded.updated_at
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value, now, now, now); err != nil {
		return fmt.Errorf("failed to put setting %s: %w", key, err)
	}
	return nil
}

// Setting retrieves one setting by key.
// Returns sql.ErrNoRows if the key is absent.
func (s *Store) Setting(ctx context.Context, key string) (*record.Setting, error) {
	query := `
	SELECT key, value, is_synced, last_updated_at, server_last_updated_at, created_at, updated_at
	FROM settings
	WHERE key = ?
	`

	row := s.conn.QueryRowContext(ctx, query, key)

	var st record.Setting
	err := row.Scan(&st.Key, &st.Value, &st.Synced, &st.LastUpdatedAt,
		&st.ServerLastUpdatedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &st, nil
}

// UnsyncedSettings lists settings awaiting push.
func (s *Store) UnsyncedSettings(ctx context.Context) ([]record.Setting, error) {
	query := `
	SELECT key, value, is_synced, last_updated_at, server_last_updated_at, created_at, updated_at
	FROM settings
	WHERE is_synced = 0
	ORDER BY key ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced settings: %w", err)
	}
	defer rows.Close()

	var settings []record.Setting
	for rows.Next() {
		var st record.Setting
		err := rows.Scan(&st.Key, &st.Value, &st.Synced, &st.LastUpdatedAt,
			&st.ServerLastUpdatedAt, &st.CreatedAt, &st.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return settings, nil
}

// MarkSettingSynced records a confirmed server sync for one setting.
func (s *Store) MarkSettingSynced(ctx context.Context, key string, serverUpdatedAt int64) error {
	query := `
	UPDATE settings
	SET is_synced = 1, server_last_updated_at = ?, updated_at = ?
	WHERE key = ?
	`
	if _, err := s.conn.ExecContext(ctx, query, serverUpdatedAt, timeutil.NowUTC(), key); err != nil {
		return fmt.Errorf("failed to mark setting synced: %w", err)
	}
	return nil
}
