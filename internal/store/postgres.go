package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datallboy/pkgswarm/internal/domain"
)

const (
	createPGTableSQL = `
CREATE TABLE IF NOT EXISTS package_records (
	id         TEXT PRIMARY KEY,
	hash       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
)`

	upsertRecordSQL = `
INSERT INTO package_records(id, hash, created_at, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET payload = EXCLUDED.payload`

	updateStatusSQL = `
UPDATE package_records
SET payload = jsonb_set(payload, '{status}', $2::jsonb)
WHERE id = $1`

	selectRecordSQL = `
SELECT payload
FROM package_records
WHERE hash = $1`

	listRecordsSQL = `
SELECT payload
FROM package_records
ORDER BY created_at, id`

	deleteRecordSQL = `DELETE FROM package_records WHERE id = $1`
)

// PGStore keeps each package record as one JSON document in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and makes sure the records table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, createPGTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not prepare postgres schema: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

func (s *PGStore) SavePackage(ctx context.Context, rec *domain.PackageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, upsertRecordSQL, rec.ID, rec.Hash(), rec.CreatedAt, payload)
	return err
}

func (s *PGStore) SaveStatus(ctx context.Context, id string, snap domain.StatusSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, updateStatusSQL, id, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetPackage(ctx context.Context, hash string) (*domain.PackageRecord, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, selectRecordSQL, hash).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var rec domain.PackageRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) ListPackages(ctx context.Context) ([]*domain.PackageRecord, error) {
	rows, err := s.pool.Query(ctx, listRecordsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.PackageRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec domain.PackageRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *PGStore) DeletePackage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, deleteRecordSQL, id)
	return err
}

func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
