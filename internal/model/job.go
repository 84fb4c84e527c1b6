package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// JobType tags queue payloads
type JobType string

const JobTypeChunkTranscription JobType = "chunk_transcription"

// ChunkJob is the only job schema the queue accepts
type ChunkJob struct {
	Type       JobType `json:"type" validate:"required,eq=chunk_transcription"`
	VideoID    string  `json:"videoId" validate:"required,max=128"`
	ChunkIndex int     `json:"chunkIndex" validate:"gte=0"`
	ChunkPath  string  `json:"chunkPath" validate:"required"`
	StartTime  float64 `json:"startTime" validate:"gte=0"`
	EndTime    float64 `json:"endTime" validate:"gtfield=StartTime"`
}

// NewChunkJob builds a job for one chunk record
func NewChunkJob(videoID string, chunk ChunkRecord) ChunkJob {
	return ChunkJob{
		Type:       JobTypeChunkTranscription,
		VideoID:    videoID,
		ChunkIndex: chunk.ChunkIndex,
		ChunkPath:  chunk.ChunkPath,
		StartTime:  chunk.StartTime,
		EndTime:    chunk.EndTime,
	}
}

// Key identifies the chunk a job works on; at most one job per key is in flight
func (j ChunkJob) Key() string {
	return ChunkJobKey(j.VideoID, j.ChunkIndex)
}

// ChunkJobKey builds the queue identity for a chunk
func ChunkJobKey(videoID string, chunkIndex int) string {
	return fmt.Sprintf("chunk:%s:%d", videoID, chunkIndex)
}

// Validate checks struct tags and the video id format
func (j ChunkJob) Validate(v *validator.Validate) error {
	if err := v.Struct(j); err != nil {
		return fmt.Errorf("%w: chunk job: %v", ErrValidation, err)
	}
	if !ValidVideoID(j.VideoID) {
		return fmt.Errorf("%w: chunk job: malformed video id %q", ErrValidation, j.VideoID)
	}
	return nil
}

// DecodeChunkJob parses and validates a queue payload
func DecodeChunkJob(data []byte, v *validator.Validate) (ChunkJob, error) {
	var job ChunkJob
	if err := json.Unmarshal(data, &job); err != nil {
		return ChunkJob{}, fmt.Errorf("%w: decode chunk job: %v", ErrValidation, err)
	}
	if err := job.Validate(v); err != nil {
		return ChunkJob{}, err
	}
	return job, nil
}
