package store

import (
	"context"
	"strconv"
	"time"

	"github.com/lectern/transcriber/internal/model"
)

// TranscriptStore persists video records and their chunk sub-records.
// Chunk mutations are scoped to one (videoId, chunkIndex) and never
// rewrite sibling chunks.
type TranscriptStore interface {
	// Get returns a consistent snapshot or model.ErrNotFound
	Get(ctx context.Context, videoID string) (*model.VideoTranscript, error)
	// Save replaces the whole record, chunks included
	Save(ctx context.Context, v *model.VideoTranscript) error
	// Claim creates or restarts a record for a new run. It reports false
	// with the current record when a live run or a viable transcript exists.
	Claim(ctx context.Context, videoID string, opts ClaimOptions) (*model.VideoTranscript, bool, error)
	// InitChunks records the plan; every chunk starts pending
	InitChunks(ctx context.Context, videoID string, duration float64, chunks []model.ChunkRecord) error

	// StartChunk moves a pending chunk to processing and the video to
	// processing. It returns the chunk as it was before the call and whether
	// the video left pending.
	StartChunk(ctx context.Context, videoID string, chunkIndex int, at time.Time) (model.ChunkRecord, bool, error)
	SetChunkTranscriptID(ctx context.Context, videoID string, chunkIndex int, transcriptID string) error
	// CompleteChunk and FailChunk report whether this call made the transition
	CompleteChunk(ctx context.Context, videoID string, chunkIndex int, transcript, language string, at time.Time) (bool, error)
	FailChunk(ctx context.Context, videoID string, chunkIndex int, reason string, at time.Time) (bool, error)
	// ResetChunk returns a failed chunk to pending for re-submission
	ResetChunk(ctx context.Context, videoID string, chunkIndex int) (bool, error)
	SetCompletedCount(ctx context.Context, videoID string, n int) error

	FinishVideo(ctx context.Context, videoID string, f Finalization) error
	ReopenVideo(ctx context.Context, videoID string, at time.Time) error
	TouchLastUsed(ctx context.Context, videoID string, at time.Time) error
	Delete(ctx context.Context, videoID string) error
	Close() error
}

// ClaimOptions controls when an existing record may be restarted
type ClaimOptions struct {
	VideoRef   string
	Mode       model.ProcessingMode
	StaleAfter time.Duration
	MinChars   int
	Now        time.Time
}

// Finalization is the video-level outcome written by the aggregator or a
// failed planning run. Zero fields are written as empty.
type Finalization struct {
	Status     model.TranscriptStatus
	Transcript string
	Language   string
	WordCount  int
	Source     string
	Error      string
	EndTime    time.Time
	DurationMs int64
}

// timeLayout is fixed width so stored times compare lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil
		}
	}
	t = t.UTC()
	return &t
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func staleCutoff(opts ClaimOptions) string {
	if opts.StaleAfter <= 0 {
		// never stale
		return ""
	}
	return formatTime(opts.Now.Add(-opts.StaleAfter))
}
