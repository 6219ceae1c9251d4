package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/browserbot/pkg/models"
)

// CreateProfile inserts a profile. It fails if the id is already taken.
func (s *Store) CreateProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert profile %s: %w", p.ID, err)
	}
	return nil
}

// EnsureProfile inserts the profile unless a row with the same id exists.
func (s *Store) EnsureProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Name, toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to ensure profile %s: %w", p.ID, err)
	}
	return nil
}

// GetProfile returns one profile or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", id, err)
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// ListProfiles returns every profile, oldest first.
func (s *Store) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []models.Profile{}
	for rows.Next() {
		var p models.Profile
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = fromMillis(created)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes a profile together with its tasks, messages and logs.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile %s: %w", id, err)
	}
	return expectOne(res, "profile "+id)
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
