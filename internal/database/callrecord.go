package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

// CallRecordRepository persists and queries transport-level call records.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByID(ctx context.Context, id int64) (*models.CallRecord, error)
	List(ctx context.Context, limit, offset int) ([]*models.CallRecord, error)
	Count(ctx context.Context) (int64, error)
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("database: record not found")

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a new call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (session_id, stream_sid, started_at, ended_at,
		 duration_sec, chunks_to_up, bytes_to_up, chunks_to_tel, bytes_to_tel,
		 chunks_dropped, disposition, error_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.StreamSID, rec.StartedAt, rec.EndedAt,
		rec.DurationSec, rec.ChunksToUp, rec.BytesToUp, rec.ChunksToTel,
		rec.BytesToTel, rec.ChunksDropped, rec.Disposition, rec.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByID returns a call record by ID.
func (r *callRecordRepo) GetByID(ctx context.Context, id int64) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, session_id, stream_sid, started_at, ended_at, duration_sec,
		 chunks_to_up, bytes_to_up, chunks_to_tel, bytes_to_tel, chunks_dropped,
		 disposition, error_text, created_at
		 FROM call_records WHERE id = ?`, id,
	))
}

// List returns the most recent call records, newest first.
func (r *callRecordRepo) List(ctx context.Context, limit, offset int) ([]*models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, stream_sid, started_at, ended_at, duration_sec,
		 chunks_to_up, bytes_to_up, chunks_to_tel, bytes_to_tel, chunks_dropped,
		 disposition, error_text, created_at
		 FROM call_records ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []*models.CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of call records.
func (r *callRecordRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting call records: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *callRecordRepo) scanOne(row *sql.Row) (*models.CallRecord, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.StreamSID, &rec.StartedAt, &rec.EndedAt,
		&rec.DurationSec, &rec.ChunksToUp, &rec.BytesToUp, &rec.ChunksToTel,
		&rec.BytesToTel, &rec.ChunksDropped, &rec.Disposition, &rec.ErrorText,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}
