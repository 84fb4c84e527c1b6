package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lectern/transcriber/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const videoColumns = "video_id, video_ref, overall_status, processing_mode, transcript, language, word_count, duration, source, error_message, total_chunks, completed_chunks, processing_start_time, processing_end_time, processing_duration_ms, last_used_at, created_at, updated_at"

const chunkColumns = "chunk_index, start_time, end_time, chunk_path, transcript_id, transcript, language, status, uploaded_at, completed_at, error_message"

// SQLiteStore is the single-node TranscriptStore
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection serializes writers in-process and keeps the pragmas
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withTx runs fn in a transaction, retrying the whole transaction while busy
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Get reads the video row and its chunks in one transaction
func (s *SQLiteStore) Get(ctx context.Context, videoID string) (*model.VideoTranscript, error) {
	var v *model.VideoTranscript
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		v, err = getVideo(ctx, tx, videoID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func getVideo(ctx context.Context, tx *sql.Tx, videoID string) (*model.VideoTranscript, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+videoColumns+" FROM video_transcripts WHERE video_id = ?", videoID)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT "+chunkColumns+" FROM transcript_chunks WHERE video_id = ? ORDER BY chunk_index", videoID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		v.Chunks = append(v.Chunks, *c)
	}
	return v, rows.Err()
}

// Save replaces the record and its chunks
func (s *SQLiteStore) Save(ctx context.Context, v *model.VideoTranscript) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_chunks WHERE video_id = ?", v.VideoID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM video_transcripts WHERE video_id = ?", v.VideoID); err != nil {
			return fmt.Errorf("clear transcript: %w", err)
		}
		if err := insertVideo(ctx, tx, v); err != nil {
			return err
		}
		for _, c := range v.Chunks {
			if err := insertChunk(ctx, tx, v.VideoID, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Claim(ctx context.Context, videoID string, opts ClaimOptions) (*model.VideoTranscript, bool, error) {
	var (
		rec     *model.VideoTranscript
		claimed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = false
		var (
			status     string
			transcript sql.NullString
			updatedAt  string
			createdAt  string
		)
		err := tx.QueryRowContext(ctx,
			"SELECT overall_status, transcript, updated_at, created_at FROM video_transcripts WHERE video_id = ?", videoID,
		).Scan(&status, &transcript, &updatedAt, &createdAt)

		now := formatTime(opts.Now)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			claimed = true
			createdAt = now
		case err != nil:
			return fmt.Errorf("read transcript: %w", err)
		case model.TranscriptStatus(status) == model.StatusFailed:
			claimed = true
		case model.TranscriptStatus(status) == model.StatusCompleted:
			claimed = len(transcript.String) <= opts.MinChars
		default:
			cutoff := staleCutoff(opts)
			claimed = cutoff != "" && updatedAt < cutoff
		}

		if claimed {
			if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_chunks WHERE video_id = ?", videoID); err != nil {
				return fmt.Errorf("clear chunks: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM video_transcripts WHERE video_id = ?", videoID); err != nil {
				return fmt.Errorf("clear transcript: %w", err)
			}
			start := opts.Now.UTC()
			fresh := &model.VideoTranscript{
				VideoID:        videoID,
				VideoRef:       opts.VideoRef,
				OverallStatus:  model.StatusPending,
				ProcessingMode: opts.Mode,
				Metadata:       model.Metadata{ProcessingStartTime: &start},
			}
			fresh.CreatedAt, _ = time.Parse(timeLayout, createdAt)
			if err := insertVideo(ctx, tx, fresh); err != nil {
				return err
			}
		}

		rec, err = getVideo(ctx, tx, videoID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, claimed, nil
}

func (s *SQLiteStore) InitChunks(ctx context.Context, videoID string, duration float64, chunks []model.ChunkRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE video_transcripts
             SET processing_mode = ?, duration = ?, total_chunks = ?, completed_chunks = 0, updated_at = ?
             WHERE video_id = ?`,
			string(model.ModeParallel), duration, len(chunks), formatTime(time.Now()), videoID,
		)
		if err := requireRow(res, err, videoID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_chunks WHERE video_id = ?", videoID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		for _, c := range chunks {
			c.Status = model.StatusPending
			if err := insertChunk(ctx, tx, videoID, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) StartChunk(ctx context.Context, videoID string, chunkIndex int, at time.Time) (model.ChunkRecord, bool, error) {
	var (
		prev         model.ChunkRecord
		videoStarted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		videoStarted = false
		c, err := getChunk(ctx, tx, videoID, chunkIndex)
		if err != nil {
			return err
		}
		prev = *c

		if c.Status == model.StatusPending {
			if _, err := tx.ExecContext(ctx,
				"UPDATE transcript_chunks SET status = ?, uploaded_at = ? WHERE video_id = ? AND chunk_index = ?",
				string(model.StatusProcessing), formatTime(at), videoID, chunkIndex,
			); err != nil {
				return fmt.Errorf("start chunk: %w", err)
			}
		}
		if c.Status.IsInFlight() {
			res, err := tx.ExecContext(ctx,
				"UPDATE video_transcripts SET overall_status = ? WHERE video_id = ? AND overall_status = ?",
				string(model.StatusProcessing), videoID, string(model.StatusPending),
			)
			if err != nil {
				return fmt.Errorf("start video: %w", err)
			}
			n, _ := res.RowsAffected()
			videoStarted = n == 1
			if _, err := tx.ExecContext(ctx, "UPDATE video_transcripts SET updated_at = ? WHERE video_id = ?", formatTime(at), videoID); err != nil {
				return fmt.Errorf("touch video: %w", err)
			}
		}
		return nil
	})
	return prev, videoStarted, err
}

func (s *SQLiteStore) SetChunkTranscriptID(ctx context.Context, videoID string, chunkIndex int, transcriptID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getChunk(ctx, tx, videoID, chunkIndex); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE transcript_chunks SET transcript_id = ? WHERE video_id = ? AND chunk_index = ? AND status = ?",
			nullableString(transcriptID), videoID, chunkIndex, string(model.StatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("set transcript id: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CompleteChunk(ctx context.Context, videoID string, chunkIndex int, transcript, language string, at time.Time) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		moved, err = transition(ctx, tx, videoID, chunkIndex,
			`UPDATE transcript_chunks
             SET status = ?, transcript = ?, language = ?, completed_at = ?, error_message = NULL
             WHERE video_id = ? AND chunk_index = ? AND status IN (?, ?)`,
			string(model.StatusCompleted), transcript, nullableString(language), formatTime(at),
			videoID, chunkIndex, string(model.StatusPending), string(model.StatusProcessing),
		)
		if err != nil || !moved {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE video_transcripts SET completed_chunks = completed_chunks + 1, updated_at = ? WHERE video_id = ?",
			formatTime(at), videoID,
		)
		return err
	})
	return moved, err
}

func (s *SQLiteStore) FailChunk(ctx context.Context, videoID string, chunkIndex int, reason string, at time.Time) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		moved, err = transition(ctx, tx, videoID, chunkIndex,
			`UPDATE transcript_chunks
             SET status = ?, error_message = ?, completed_at = ?
             WHERE video_id = ? AND chunk_index = ? AND status IN (?, ?)`,
			string(model.StatusFailed), reason, formatTime(at),
			videoID, chunkIndex, string(model.StatusPending), string(model.StatusProcessing),
		)
		if err != nil || !moved {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE video_transcripts SET updated_at = ? WHERE video_id = ?", formatTime(at), videoID)
		return err
	})
	return moved, err
}

func (s *SQLiteStore) ResetChunk(ctx context.Context, videoID string, chunkIndex int) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		moved, err = transition(ctx, tx, videoID, chunkIndex,
			`UPDATE transcript_chunks
             SET status = ?, transcript_id = NULL, transcript = NULL, language = NULL,
                 error_message = NULL, uploaded_at = NULL, completed_at = NULL
             WHERE video_id = ? AND chunk_index = ? AND status = ?`,
			string(model.StatusPending), videoID, chunkIndex, string(model.StatusFailed),
		)
		return err
	})
	return moved, err
}

// transition runs a conditional chunk update; a missing chunk is ErrNotFound
func transition(ctx context.Context, tx *sql.Tx, videoID string, chunkIndex int, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update chunk %d: %w", chunkIndex, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := getChunk(ctx, tx, videoID, chunkIndex); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) SetCompletedCount(ctx context.Context, videoID string, n int) error {
	return s.updateVideo(ctx, videoID,
		"UPDATE video_transcripts SET completed_chunks = ?, updated_at = ? WHERE video_id = ?",
		n, formatTime(time.Now()), videoID,
	)
}

func (s *SQLiteStore) FinishVideo(ctx context.Context, videoID string, f Finalization) error {
	return s.updateVideo(ctx, videoID,
		`UPDATE video_transcripts
         SET overall_status = ?, transcript = ?, language = ?, word_count = ?, source = ?, error_message = ?,
             processing_end_time = ?, processing_duration_ms = ?, updated_at = ?
         WHERE video_id = ?`,
		string(f.Status), nullableString(f.Transcript), nullableString(f.Language), f.WordCount,
		nullableString(f.Source), nullableString(f.Error), formatTime(f.EndTime), f.DurationMs,
		formatTime(time.Now()), videoID,
	)
}

func (s *SQLiteStore) ReopenVideo(ctx context.Context, videoID string, at time.Time) error {
	return s.updateVideo(ctx, videoID,
		"UPDATE video_transcripts SET overall_status = ?, error_message = NULL, processing_end_time = NULL, updated_at = ? WHERE video_id = ?",
		string(model.StatusProcessing), formatTime(at), videoID,
	)
}

func (s *SQLiteStore) TouchLastUsed(ctx context.Context, videoID string, at time.Time) error {
	return s.updateVideo(ctx, videoID,
		"UPDATE video_transcripts SET last_used_at = ? WHERE video_id = ?",
		formatTime(at), videoID,
	)
}

func (s *SQLiteStore) Delete(ctx context.Context, videoID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_chunks WHERE video_id = ?", videoID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM video_transcripts WHERE video_id = ?", videoID)
		return requireRow(res, err, videoID)
	})
}

func (s *SQLiteStore) updateVideo(ctx context.Context, videoID, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		return requireRow(res, err, videoID)
	})
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireRow(res sql.Result, err error, videoID string) error {
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, videoID)
	}
	return nil
}

func getChunk(ctx context.Context, tx *sql.Tx, videoID string, chunkIndex int) (*model.ChunkRecord, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+chunkColumns+" FROM transcript_chunks WHERE video_id = ? AND chunk_index = ?",
		videoID, chunkIndex,
	)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %d of %s", model.ErrNotFound, chunkIndex, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func insertVideo(ctx context.Context, tx *sql.Tx, v *model.VideoTranscript) error {
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO video_transcripts ("+videoColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		v.VideoID,
		nullableString(v.VideoRef),
		string(v.OverallStatus),
		string(v.ProcessingMode),
		nullableString(v.Transcript),
		nullableString(v.Language),
		v.WordCount,
		v.Duration,
		nullableString(v.Source),
		nullableString(v.Error),
		v.Metadata.TotalChunks,
		v.Metadata.CompletedChunks,
		nullableTime(v.Metadata.ProcessingStartTime),
		nullableTime(v.Metadata.ProcessingEndTime),
		v.Metadata.ProcessingDurationMs,
		nullableTime(v.Metadata.LastUsedAt),
		formatTime(created),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, videoID string, c model.ChunkRecord) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO transcript_chunks (video_id, "+chunkColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		videoID,
		c.ChunkIndex,
		c.StartTime,
		c.EndTime,
		nullableString(c.ChunkPath),
		nullableString(c.TranscriptID),
		nullableString(c.Transcript),
		nullableString(c.Language),
		string(c.Status),
		nullableTime(c.UploadedAt),
		nullableTime(c.CompletedAt),
		nullableString(c.Error),
	)
	if err != nil {
		return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
	}
	return nil
}

func scanVideo(scanner interface{ Scan(dest ...any) error }) (*model.VideoTranscript, error) {
	var (
		v            model.VideoTranscript
		videoRef     sql.NullString
		status       string
		mode         string
		transcript   sql.NullString
		language     sql.NullString
		source       sql.NullString
		errorMessage sql.NullString
		startRaw     sql.NullString
		endRaw       sql.NullString
		lastUsedRaw  sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&v.VideoID,
		&videoRef,
		&status,
		&mode,
		&transcript,
		&language,
		&v.WordCount,
		&v.Duration,
		&source,
		&errorMessage,
		&v.Metadata.TotalChunks,
		&v.Metadata.CompletedChunks,
		&startRaw,
		&endRaw,
		&v.Metadata.ProcessingDurationMs,
		&lastUsedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	v.VideoRef = videoRef.String
	v.OverallStatus = model.TranscriptStatus(status)
	v.ProcessingMode = model.ProcessingMode(mode)
	v.Transcript = transcript.String
	v.Language = language.String
	v.Source = source.String
	v.Error = errorMessage.String
	v.Metadata.ProcessingStartTime = parseTimePtr(startRaw.String)
	v.Metadata.ProcessingEndTime = parseTimePtr(endRaw.String)
	v.Metadata.LastUsedAt = parseTimePtr(lastUsedRaw.String)
	if t := parseTimePtr(createdRaw); t != nil {
		v.CreatedAt = *t
	}
	if t := parseTimePtr(updatedRaw); t != nil {
		v.UpdatedAt = *t
	}
	return &v, nil
}

func scanChunk(scanner interface{ Scan(dest ...any) error }) (*model.ChunkRecord, error) {
	var (
		c            model.ChunkRecord
		chunkPath    sql.NullString
		transcriptID sql.NullString
		transcript   sql.NullString
		language     sql.NullString
		status       string
		uploadedRaw  sql.NullString
		completedRaw sql.NullString
		errorMessage sql.NullString
	)
	if err := scanner.Scan(
		&c.ChunkIndex,
		&c.StartTime,
		&c.EndTime,
		&chunkPath,
		&transcriptID,
		&transcript,
		&language,
		&status,
		&uploadedRaw,
		&completedRaw,
		&errorMessage,
	); err != nil {
		return nil, err
	}
	c.ChunkPath = chunkPath.String
	c.TranscriptID = transcriptID.String
	c.Transcript = transcript.String
	c.Language = language.String
	c.Status = model.TranscriptStatus(status)
	c.UploadedAt = parseTimePtr(uploadedRaw.String)
	c.CompletedAt = parseTimePtr(completedRaw.String)
	c.Error = errorMessage.String
	return &c, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}
