package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lectern/transcriber/internal/model"
)

// RedisStore keeps one hash per video and one hash per chunk. Keys of a
// video share a hash tag so scripts touching them stay in one slot.
//
//	transcript:{id}            video fields and counters
//	transcript:{id}:chunks     sorted set of chunk indexes
//	transcript:{id}:chunk:<n>  chunk fields
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func videoKey(id string) string    { return "transcript:{" + id + "}" }
func chunkSetKey(id string) string { return videoKey(id) + ":chunks" }
func chunkPrefix(id string) string { return videoKey(id) + ":chunk:" }
func chunkKey(id string, idx int) string {
	return chunkPrefix(id) + strconv.Itoa(idx)
}

func videoKeys(id string) []string {
	return []string{videoKey(id), chunkSetKey(id), chunkPrefix(id)}
}

var getScript = redis.NewScript(`
local v = redis.call('HGETALL', KEYS[1])
if #v == 0 then return false end
local idx = redis.call('ZRANGE', KEYS[2], 0, -1)
local chunks = {}
for i, c in ipairs(idx) do
  chunks[i] = redis.call('HGETALL', KEYS[3] .. c)
end
return {v, chunks}
`)

var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'overallStatus')
local reclaim = false
if not status then
  reclaim = true
elseif status == 'failed' then
  reclaim = true
elseif status == 'completed' then
  local t = redis.call('HGET', KEYS[1], 'transcript') or ''
  if string.len(t) <= tonumber(ARGV[5]) then reclaim = true end
elseif ARGV[2] ~= '' then
  local updated = redis.call('HGET', KEYS[1], 'updatedAt') or ''
  if updated < ARGV[2] then reclaim = true end
end
if not reclaim then return 0 end
local idx = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, c in ipairs(idx) do redis.call('DEL', KEYS[3] .. c) end
local created = redis.call('HGET', KEYS[1], 'createdAt') or ARGV[1]
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1],
  'videoId', ARGV[6], 'videoRef', ARGV[3], 'overallStatus', 'pending', 'processingMode', ARGV[4],
  'wordCount', 0, 'duration', 0, 'totalChunks', 0, 'completedChunks', 0, 'processingDurationMs', 0,
  'processingStartTime', ARGV[1], 'createdAt', created, 'updatedAt', ARGV[1])
return 1
`)

var startChunkScript = redis.NewScript(`
local prev = redis.call('HGETALL', KEYS[1])
if #prev == 0 then return false end
local status = redis.call('HGET', KEYS[1], 'status')
local videoStarted = 0
if status == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'processing', 'uploadedAt', ARGV[1])
end
if status == 'pending' or status == 'processing' then
  if redis.call('HGET', KEYS[2], 'overallStatus') == 'pending' then
    redis.call('HSET', KEYS[2], 'overallStatus', 'processing')
    videoStarted = 1
  end
  redis.call('HSET', KEYS[2], 'updatedAt', ARGV[1])
end
return {prev, videoStarted}
`)

var setTranscriptIDScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'transcriptId', ARGV[1])
return 1
`)

var completeChunkScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'completed' or status == 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'completed', 'transcript', ARGV[2], 'language', ARGV[3], 'completedAt', ARGV[1], 'error', '')
redis.call('HINCRBY', KEYS[2], 'completedChunks', 1)
redis.call('HSET', KEYS[2], 'updatedAt', ARGV[1])
return 1
`)

var failChunkScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'completed' or status == 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[2], 'completedAt', ARGV[1])
redis.call('HSET', KEYS[2], 'updatedAt', ARGV[1])
return 1
`)

var resetChunkScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'transcriptId', '', 'transcript', '', 'language', '', 'error', '')
redis.call('HDEL', KEYS[1], 'uploadedAt', 'completedAt')
return 1
`)

var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var deleteScript = redis.NewScript(`
local idx = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, c in ipairs(idx) do redis.call('DEL', KEYS[3] .. c) end
return redis.call('DEL', KEYS[1], KEYS[2])
`)

// Get returns the video and its chunks read in one script call
func (s *RedisStore) Get(ctx context.Context, videoID string) (*model.VideoTranscript, error) {
	res, err := getScript.Run(ctx, s.rdb, videoKeys(videoID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("unexpected transcript reply %T", res)
	}
	v := decodeVideo(toMap(parts[0]))
	if raw, ok := parts[1].([]interface{}); ok {
		for _, c := range raw {
			v.Chunks = append(v.Chunks, decodeChunk(toMap(c)))
		}
	}
	return v, nil
}

// Save replaces the record and all its chunks in one transaction
func (s *RedisStore) Save(ctx context.Context, v *model.VideoTranscript) error {
	existing, err := s.rdb.ZRange(ctx, chunkSetKey(v.VideoID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read chunk index: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, videoKey(v.VideoID), chunkSetKey(v.VideoID))
		for _, idx := range existing {
			pipe.Del(ctx, chunkPrefix(v.VideoID)+idx)
		}
		pipe.HSet(ctx, videoKey(v.VideoID), encodeVideo(v))
		for _, c := range v.Chunks {
			pipe.HSet(ctx, chunkKey(v.VideoID, c.ChunkIndex), encodeChunk(c))
			pipe.ZAdd(ctx, chunkSetKey(v.VideoID), redis.Z{Score: float64(c.ChunkIndex), Member: strconv.Itoa(c.ChunkIndex)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

// Claim starts a new run unless a live run or viable transcript exists
func (s *RedisStore) Claim(ctx context.Context, videoID string, opts ClaimOptions) (*model.VideoTranscript, bool, error) {
	claimed, err := claimScript.Run(ctx, s.rdb, videoKeys(videoID),
		formatTime(opts.Now),
		staleCutoff(opts),
		opts.VideoRef,
		string(opts.Mode),
		opts.MinChars,
		videoID,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim transcript: %w", err)
	}
	v, err := s.Get(ctx, videoID)
	if err != nil {
		return nil, false, err
	}
	return v, claimed == 1, nil
}

// InitChunks writes the chunk plan and resets the counters
func (s *RedisStore) InitChunks(ctx context.Context, videoID string, duration float64, chunks []model.ChunkRecord) error {
	n, err := s.rdb.Exists(ctx, videoKey(videoID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check transcript: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, videoID)
	}

	now := formatTime(time.Now())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range chunks {
			c.Status = model.StatusPending
			pipe.HSet(ctx, chunkKey(videoID, c.ChunkIndex), encodeChunk(c))
			pipe.ZAdd(ctx, chunkSetKey(videoID), redis.Z{Score: float64(c.ChunkIndex), Member: strconv.Itoa(c.ChunkIndex)})
		}
		pipe.HSet(ctx, videoKey(videoID),
			"processingMode", string(model.ModeParallel),
			"duration", formatFloat(duration),
			"totalChunks", len(chunks),
			"completedChunks", 0,
			"updatedAt", now,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to init chunks: %w", err)
	}
	return nil
}

func (s *RedisStore) StartChunk(ctx context.Context, videoID string, chunkIndex int, at time.Time) (model.ChunkRecord, bool, error) {
	res, err := startChunkScript.Run(ctx, s.rdb,
		[]string{chunkKey(videoID, chunkIndex), videoKey(videoID)},
		formatTime(at),
	).Result()
	if errors.Is(err, redis.Nil) {
		return model.ChunkRecord{}, false, fmt.Errorf("%w: chunk %d of %s", model.ErrNotFound, chunkIndex, videoID)
	}
	if err != nil {
		return model.ChunkRecord{}, false, fmt.Errorf("failed to start chunk: %w", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return model.ChunkRecord{}, false, fmt.Errorf("unexpected start reply %T", res)
	}
	started, _ := parts[1].(int64)
	return decodeChunk(toMap(parts[0])), started == 1, nil
}

func (s *RedisStore) SetChunkTranscriptID(ctx context.Context, videoID string, chunkIndex int, transcriptID string) error {
	n, err := setTranscriptIDScript.Run(ctx, s.rdb, []string{chunkKey(videoID, chunkIndex)}, transcriptID).Int()
	if err != nil {
		return fmt.Errorf("failed to set transcript id: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: chunk %d of %s", model.ErrNotFound, chunkIndex, videoID)
	}
	return nil
}

func (s *RedisStore) CompleteChunk(ctx context.Context, videoID string, chunkIndex int, transcript, language string, at time.Time) (bool, error) {
	return s.runTransition(ctx, completeChunkScript, videoID, chunkIndex, formatTime(at), transcript, language)
}

func (s *RedisStore) FailChunk(ctx context.Context, videoID string, chunkIndex int, reason string, at time.Time) (bool, error) {
	return s.runTransition(ctx, failChunkScript, videoID, chunkIndex, formatTime(at), reason)
}

func (s *RedisStore) ResetChunk(ctx context.Context, videoID string, chunkIndex int) (bool, error) {
	return s.runTransition(ctx, resetChunkScript, videoID, chunkIndex)
}

func (s *RedisStore) runTransition(ctx context.Context, script *redis.Script, videoID string, chunkIndex int, args ...interface{}) (bool, error) {
	n, err := script.Run(ctx, s.rdb, []string{chunkKey(videoID, chunkIndex), videoKey(videoID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update chunk %d: %w", chunkIndex, err)
	}
	if n < 0 {
		return false, fmt.Errorf("%w: chunk %d of %s", model.ErrNotFound, chunkIndex, videoID)
	}
	return n == 1, nil
}

func (s *RedisStore) SetCompletedCount(ctx context.Context, videoID string, n int) error {
	return s.touch(ctx, videoID, "completedChunks", n, "updatedAt", formatTime(time.Now()))
}

func (s *RedisStore) FinishVideo(ctx context.Context, videoID string, f Finalization) error {
	return s.touch(ctx, videoID,
		"overallStatus", string(f.Status),
		"transcript", f.Transcript,
		"language", f.Language,
		"wordCount", f.WordCount,
		"source", f.Source,
		"error", f.Error,
		"processingEndTime", formatTime(f.EndTime),
		"processingDurationMs", f.DurationMs,
		"updatedAt", formatTime(time.Now()),
	)
}

func (s *RedisStore) ReopenVideo(ctx context.Context, videoID string, at time.Time) error {
	return s.touch(ctx, videoID,
		"overallStatus", string(model.StatusProcessing),
		"error", "",
		"processingEndTime", "",
		"updatedAt", formatTime(at),
	)
}

func (s *RedisStore) TouchLastUsed(ctx context.Context, videoID string, at time.Time) error {
	return s.touch(ctx, videoID, "lastUsedAt", formatTime(at))
}

// touch sets fields on an existing video hash only
func (s *RedisStore) touch(ctx context.Context, videoID string, fields ...interface{}) error {
	n, err := touchScript.Run(ctx, s.rdb, []string{videoKey(videoID)}, fields...).Int()
	if err != nil {
		return fmt.Errorf("failed to update transcript: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, videoID)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, videoID string) error {
	n, err := deleteScript.Run(ctx, s.rdb, videoKeys(videoID)).Int()
	if err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, videoID)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller
func (s *RedisStore) Close() error {
	return nil
}

func toMap(raw interface{}) map[string]string {
	flat, _ := raw.([]interface{})
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func encodeVideo(v *model.VideoTranscript) map[string]interface{} {
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return map[string]interface{}{
		"videoId":              v.VideoID,
		"videoRef":             v.VideoRef,
		"overallStatus":        string(v.OverallStatus),
		"processingMode":       string(v.ProcessingMode),
		"transcript":           v.Transcript,
		"language":             v.Language,
		"wordCount":            v.WordCount,
		"duration":             formatFloat(v.Duration),
		"source":               v.Source,
		"error":                v.Error,
		"totalChunks":          v.Metadata.TotalChunks,
		"completedChunks":      v.Metadata.CompletedChunks,
		"processingStartTime":  formatTimePtr(v.Metadata.ProcessingStartTime),
		"processingEndTime":    formatTimePtr(v.Metadata.ProcessingEndTime),
		"processingDurationMs": v.Metadata.ProcessingDurationMs,
		"lastUsedAt":           formatTimePtr(v.Metadata.LastUsedAt),
		"createdAt":            formatTime(created),
		"updatedAt":            formatTime(time.Now()),
	}
}

func decodeVideo(m map[string]string) *model.VideoTranscript {
	v := &model.VideoTranscript{
		VideoID:        m["videoId"],
		VideoRef:       m["videoRef"],
		OverallStatus:  model.TranscriptStatus(m["overallStatus"]),
		ProcessingMode: model.ProcessingMode(m["processingMode"]),
		Transcript:     m["transcript"],
		Language:       m["language"],
		WordCount:      atoi(m["wordCount"]),
		Duration:       atof(m["duration"]),
		Source:         m["source"],
		Error:          m["error"],
		Metadata: model.Metadata{
			TotalChunks:          atoi(m["totalChunks"]),
			CompletedChunks:      atoi(m["completedChunks"]),
			ProcessingStartTime:  parseTimePtr(m["processingStartTime"]),
			ProcessingEndTime:    parseTimePtr(m["processingEndTime"]),
			ProcessingDurationMs: int64(atoi(m["processingDurationMs"])),
			LastUsedAt:           parseTimePtr(m["lastUsedAt"]),
		},
	}
	if t := parseTimePtr(m["createdAt"]); t != nil {
		v.CreatedAt = *t
	}
	if t := parseTimePtr(m["updatedAt"]); t != nil {
		v.UpdatedAt = *t
	}
	return v
}

func encodeChunk(c model.ChunkRecord) map[string]interface{} {
	return map[string]interface{}{
		"chunkIndex":   c.ChunkIndex,
		"startTime":    formatFloat(c.StartTime),
		"endTime":      formatFloat(c.EndTime),
		"chunkPath":    c.ChunkPath,
		"transcriptId": c.TranscriptID,
		"transcript":   c.Transcript,
		"language":     c.Language,
		"status":       string(c.Status),
		"uploadedAt":   formatTimePtr(c.UploadedAt),
		"completedAt":  formatTimePtr(c.CompletedAt),
		"error":        c.Error,
	}
}

func decodeChunk(m map[string]string) model.ChunkRecord {
	return model.ChunkRecord{
		ChunkIndex:   atoi(m["chunkIndex"]),
		StartTime:    atof(m["startTime"]),
		EndTime:      atof(m["endTime"]),
		ChunkPath:    m["chunkPath"],
		TranscriptID: m["transcriptId"],
		Transcript:   m["transcript"],
		Language:     m["language"],
		Status:       model.TranscriptStatus(m["status"]),
		UploadedAt:   parseTimePtr(m["uploadedAt"]),
		CompletedAt:  parseTimePtr(m["completedAt"]),
		Error:        m["error"],
	}
}
