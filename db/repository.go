package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sdforge/sdruntime"
)

// Record statuses.
const (
	StatusSaved         = "saved"
	StatusPersistFailed = "persist_failed"
)

// GenerationRecord is one row of the generations table: a single image of a
// request together with everything needed to reproduce it.
type GenerationRecord struct {
	ID             int64
	RequestID      string
	ImageIndex     int
	BatchSize      int
	Backend        string
	ModelID        string
	Encoder        string
	Adapters       []sdruntime.Adapter
	PositivePrompt string
	NegativePrompt string
	Guidance       float64
	Width          int
	Height         int
	Steps          int
	Seed           *int64
	Path           string // empty when the image could not be written
	Digest         string
	Status         string
	ErrorMessage   string
	DurationMS     int64
	CreatedAt      time.Time
}

// RecordsFromResult builds one record per image of res. Images listed in
// res.PersistErrors get StatusPersistFailed and the error text.
func RecordsFromResult(requestID string, res *sdruntime.GenerationResult) []GenerationRecord {
	if res == nil {
		return nil
	}

	failed := make(map[int]string, len(res.PersistErrors))
	for _, perr := range res.PersistErrors {
		failed[perr.Index] = perr.Error()
	}

	records := make([]GenerationRecord, len(res.Images))
	for i, img := range res.Images {
		info := img.Info
		rec := GenerationRecord{
			RequestID:      requestID,
			ImageIndex:     img.Index,
			BatchSize:      info.BatchSize,
			Backend:        info.Backend,
			ModelID:        info.ModelID,
			Encoder:        info.Encoder,
			Adapters:       info.Adapters,
			PositivePrompt: info.Prompt,
			NegativePrompt: info.NegativePrompt,
			Guidance:       info.Guidance,
			Width:          info.Width,
			Height:         info.Height,
			Steps:          info.Steps,
			Seed:           info.Seed,
			Path:           img.Path,
			Digest:         img.Digest,
			Status:         StatusSaved,
			DurationMS:     res.Duration.Milliseconds(),
		}
		if msg, ok := failed[img.Index]; ok {
			rec.Status = StatusPersistFailed
			rec.ErrorMessage = msg
		}
		records[i] = rec
	}
	return records
}

// Repository reads and writes generation records.
type Repository struct {
	db *Database
}

// NewRepository creates a repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// InsertGenerations writes records in one transaction and returns their IDs.
// Either all records are stored or none.
func (r *Repository) InsertGenerations(ctx context.Context, records []GenerationRecord) ([]int64, error) {
	conn := r.conn()
	if conn == nil {
		return nil, errClosed
	}
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO generations (
			request_id, image_index, batch_size, backend, model_id, encoder, adapters,
			positive_prompt, negative_prompt, guidance, width, height, steps, seed,
			path, digest, status, error_message, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		if rec.Status == "" {
			rec.Status = StatusSaved
		}
		adapters, err := marshalAdapters(rec.Adapters)
		if err != nil {
			return nil, err
		}

		res, err := stmt.ExecContext(ctx,
			rec.RequestID, rec.ImageIndex, rec.BatchSize, rec.Backend, rec.ModelID, rec.Encoder, adapters,
			rec.PositivePrompt, rec.NegativePrompt, rec.Guidance, rec.Width, rec.Height, rec.Steps, nullableSeed(rec.Seed),
			rec.Path, rec.Digest, rec.Status, rec.ErrorMessage, rec.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert image %d of request %s: %w", rec.ImageIndex, rec.RequestID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ids, nil
}

const selectColumns = `
	id, request_id, image_index, batch_size, backend, model_id, encoder, adapters,
	positive_prompt, negative_prompt, guidance, width, height, steps, seed,
	path, digest, status, error_message, duration_ms,
	strftime('%Y-%m-%dT%H:%M:%SZ', created_at)`

// ListByRequest returns the records of one request ordered by image index.
func (r *Repository) ListByRequest(ctx context.Context, requestID string) ([]GenerationRecord, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM generations WHERE request_id = ? ORDER BY image_index`, requestID)
}

// ListRecent returns up to limit records, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]GenerationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.query(ctx, `SELECT `+selectColumns+` FROM generations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// FindByDigest returns records whose pixels hash to digest. Identical digests
// across requests show that a seeded generation was reproduced exactly.
func (r *Repository) FindByDigest(ctx context.Context, digest string) ([]GenerationRecord, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM generations WHERE digest = ? ORDER BY id`, digest)
}

// CountByStatus returns the number of records per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	conn := r.conn()
	if conn == nil {
		return nil, errClosed
	}

	rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM generations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]GenerationRecord, error) {
	conn := r.conn()
	if conn == nil {
		return nil, errClosed
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	var records []GenerationRecord
	for rows.Next() {
		var rec GenerationRecord
		var adapters, created string
		var seed sql.NullInt64
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.ImageIndex, &rec.BatchSize, &rec.Backend, &rec.ModelID, &rec.Encoder, &adapters,
			&rec.PositivePrompt, &rec.NegativePrompt, &rec.Guidance, &rec.Width, &rec.Height, &rec.Steps, &seed,
			&rec.Path, &rec.Digest, &rec.Status, &rec.ErrorMessage, &rec.DurationMS, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		if seed.Valid {
			v := seed.Int64
			rec.Seed = &v
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("record %d: invalid created_at %q: %w", rec.ID, created, err)
		}
		if err := json.Unmarshal([]byte(adapters), &rec.Adapters); err != nil {
			return nil, fmt.Errorf("record %d: invalid adapters column: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) conn() *sql.DB {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.DB()
}

func marshalAdapters(adapters []sdruntime.Adapter) (string, error) {
	if len(adapters) == 0 {
		return "[]", nil
	}
	type adapterJSON struct {
		ID     string  `json:"id"`
		Weight float64 `json:"weight"`
	}
	out := make([]adapterJSON, len(adapters))
	for i, a := range adapters {
		out[i] = adapterJSON{ID: a.ID, Weight: a.Weight}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode adapters: %w", err)
	}
	return string(data), nil
}

func nullableSeed(seed *int64) any {
	if seed == nil {
		return nil
	}
	return *seed
}

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("generation record not found")

// Get returns the record with id.
func (r *Repository) Get(ctx context.Context, id int64) (*GenerationRecord, error) {
	records, err := r.query(ctx, `SELECT `+selectColumns+` FROM generations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}
