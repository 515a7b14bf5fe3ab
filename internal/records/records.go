// Package records persists completed uploads and download events in
// PostgreSQL and answers the aggregate queries the quota and history views need.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("record not found")

// StatusCompleted is the only status written for durable upload records.
const StatusCompleted = "completed"

// Record is one completed upload.
type Record struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId,omitempty"`
	Filename     string     `json:"filename"`
	OriginalName string     `json:"originalName"`
	Size         int64      `json:"size"`
	MimeType     string     `json:"mimeType"`
	Status       string     `json:"status"`
	DownloadURL  string     `json:"downloadUrl"`
	StorageType  string     `json:"storageType"`
	BucketName   string     `json:"bucketName,omitempty"`
	ObjectKey    string     `json:"s3Key,omitempty"`
	FileID       string     `json:"fileId,omitempty"`
	SHA1         string     `json:"sha1,omitempty"`
	UploadedAt   time.Time  `json:"uploadedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// DownloadEvent is one issued download link.
type DownloadEvent struct {
	UserID       string
	Filename     string
	DownloadedAt time.Time
	IP           string
	UserAgent    string
	StorageType  string
}

// Store reads and writes records.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert appends rec, assigning an id and timestamps when unset.
func (s *Store) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}
	if rec.CompletedAt == nil {
		t := rec.UploadedAt
		rec.CompletedAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, user_id, filename, original_name, size_bytes, mime_type, status,
			download_url, storage_type, bucket_name, object_key, file_id, sha1, uploaded_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, nullString(rec.UserID), rec.Filename, rec.OriginalName, rec.Size, rec.MimeType, rec.Status,
		rec.DownloadURL, rec.StorageType, rec.BucketName, rec.ObjectKey, rec.FileID, rec.SHA1,
		rec.UploadedAt, rec.CompletedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert upload record: %w", err)
	}
	return rec, nil
}

// SumBytesSince totals the completed bytes owner uploaded at or after since.
func (s *Store) SumBytesSince(ctx context.Context, owner string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0)
		FROM uploads
		WHERE user_id = $1 AND status = 'completed' AND uploaded_at >= $2
	`, owner, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum upload bytes: %w", err)
	}
	return total, nil
}

const selectColumns = `id, user_id, filename, original_name, size_bytes, mime_type, status,
	download_url, storage_type, bucket_name, object_key, file_id, sha1, uploaded_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		userID    sql.NullString
		completed sql.NullTime
	)
	err := row.Scan(&rec.ID, &userID, &rec.Filename, &rec.OriginalName, &rec.Size, &rec.MimeType, &rec.Status,
		&rec.DownloadURL, &rec.StorageType, &rec.BucketName, &rec.ObjectKey, &rec.FileID, &rec.SHA1,
		&rec.UploadedAt, &completed)
	if err != nil {
		return Record{}, err
	}
	rec.UserID = userID.String
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// FindByFilename returns the record for a server-generated filename.
func (s *Store) FindByFilename(ctx context.Context, filename string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM uploads WHERE filename = $1`, filename)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("find upload record: %w", err)
	}
	return rec, nil
}

// ListByOwner returns owner's most recent records, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM uploads
		WHERE user_id = $1
		ORDER BY uploaded_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list upload records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LogDownload records an issued download link.
func (s *Store) LogDownload(ctx context.Context, ev DownloadEvent) error {
	if ev.DownloadedAt.IsZero() {
		ev.DownloadedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (user_id, filename, downloaded_at, ip, user_agent, storage_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nullString(ev.UserID), ev.Filename, ev.DownloadedAt, ev.IP, ev.UserAgent, ev.StorageType)
	if err != nil {
		return fmt.Errorf("log download: %w", err)
	}
	return nil
}

// Ping checks database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
