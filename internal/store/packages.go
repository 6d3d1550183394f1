package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/pkgswarm/internal/domain"
)

const packageColumns = "id, hash, name, segment_length, data_length, segment_hashes, created_at"

// SavePackage writes the record, its file layout and its status in one transaction.
func (s *PersistentStore) SavePackage(ctx context.Context, rec *domain.PackageRecord) error {
	var p packageDBO
	p.FromDomain(rec)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			segment_length = excluded.segment_length,
			data_length = excluded.data_length,
			segment_hashes = excluded.segment_hashes`,
		p.ID, p.Hash, p.Name, p.SegmentLength, p.DataLength, p.SegmentHashes, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save package %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM package_files WHERE package_id = ?", p.ID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO package_files (package_id, position, path, file_offset, length)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range rec.Files {
		if _, err := stmt.ExecContext(ctx, p.ID, i, f.Path, f.Offset, f.Length); err != nil {
			return fmt.Errorf("failed to save file %s: %w", f.Path, err)
		}
	}

	if err := saveStatus(ctx, tx, rec.ID, rec.Status); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveStatus persists only the mutable download status of a package.
func (s *PersistentStore) SaveStatus(ctx context.Context, id string, snap domain.StatusSnapshot) error {
	return saveStatus(ctx, s.db, id, snap)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveStatus(ctx context.Context, db execer, id string, snap domain.StatusSnapshot) error {
	var st statusDBO
	st.FromDomain(id, snap)

	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO download_status (package_id, bitmap, bytes_downloaded, downloaded, downloading, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.PackageID, st.Bitmap, st.BytesDownloaded, st.Downloaded, st.Downloading, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save status for %s: %w", id, err)
	}
	return nil
}

// GetPackage looks a record up by its package hash (hex).
func (s *PersistentStore) GetPackage(ctx context.Context, hash string) (*domain.PackageRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+packageColumns+" FROM packages WHERE hash = ? LIMIT 1", hash)

	var p packageDBO
	if err := row.Scan(&p.ID, &p.Hash, &p.Name, &p.SegmentLength, &p.DataLength, &p.SegmentHashes, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return s.hydrate(ctx, &p)
}

// ListPackages returns every record, oldest first.
func (s *PersistentStore) ListPackages(ctx context.Context) ([]*domain.PackageRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+packageColumns+" FROM packages ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}

	var dbos []packageDBO
	for rows.Next() {
		var p packageDBO
		if err := rows.Scan(&p.ID, &p.Hash, &p.Name, &p.SegmentLength, &p.DataLength, &p.SegmentHashes, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		dbos = append(dbos, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	records := make([]*domain.PackageRecord, 0, len(dbos))
	for i := range dbos {
		rec, err := s.hydrate(ctx, &dbos[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeletePackage removes a record and everything hanging off it.
func (s *PersistentStore) DeletePackage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM download_status WHERE package_id = ?",
		"DELETE FROM package_files WHERE package_id = ?",
		"DELETE FROM packages WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete package %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func (s *PersistentStore) hydrate(ctx context.Context, p *packageDBO) (*domain.PackageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, file_offset, length FROM package_files WHERE package_id = ? ORDER BY position", p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []domain.FileRange
	for rows.Next() {
		var f domain.FileRange
		if err := rows.Scan(&f.Path, &f.Offset, &f.Length); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	st := statusDBO{PackageID: p.ID}
	err = s.db.QueryRowContext(ctx,
		"SELECT bitmap, bytes_downloaded, downloaded, downloading FROM download_status WHERE package_id = ?", p.ID).
		Scan(&st.Bitmap, &st.BytesDownloaded, &st.Downloaded, &st.Downloading)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return p.ToDomain(files, st.ToDomain())
}
