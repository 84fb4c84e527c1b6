package model

import "time"

// StartRequest is the body of POST /api/transcripts/:videoId/start
type StartRequest struct {
	Mode     ProcessingMode `json:"mode" validate:"omitempty,oneof=sequential parallel auto"`
	VideoRef string         `json:"videoRef" validate:"omitempty,max=2048"`
}

// ImportRequest is the body of PUT /api/transcripts/:videoId
type ImportRequest struct {
	Transcript string `json:"transcript" validate:"required"`
	Language   string `json:"language" validate:"omitempty,max=16"`
}

// ChunkStatus is the per-chunk slice of a status response
type ChunkStatus struct {
	ChunkIndex int              `json:"chunkIndex"`
	StartTime  float64          `json:"startTime"`
	EndTime    float64          `json:"endTime"`
	Status     TranscriptStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
}

// StatusResponse is the progress snapshot polled by the UI
type StatusResponse struct {
	VideoID         string           `json:"videoId"`
	OverallStatus   TranscriptStatus `json:"overallStatus"`
	ProcessingMode  ProcessingMode   `json:"processingMode"`
	CompletedChunks int              `json:"completedChunks"`
	TotalChunks     int              `json:"totalChunks"`
	Error           string           `json:"error,omitempty"`
	Chunks          []ChunkStatus    `json:"chunks,omitempty"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// TranscriptResponse is returned to downstream consumers on a cache hit
type TranscriptResponse struct {
	VideoID    string  `json:"videoId"`
	Transcript string  `json:"transcript"`
	Language   string  `json:"language,omitempty"`
	WordCount  int     `json:"wordCount"`
	Duration   float64 `json:"duration"`
	Source     string  `json:"source"`
	Cached     bool    `json:"cached"`
}

// TranscriptResult is what GetTranscript yields: text when ready,
// otherwise the status of the run it started or joined.
type TranscriptResult struct {
	Ready      bool
	Transcript *TranscriptResponse
	Status     *StatusResponse
}

// ResubmitResponse reports a targeted re-submission
type ResubmitResponse struct {
	VideoID  string `json:"videoId"`
	Enqueued int    `json:"enqueued"`
}

// DeadLetterResponse describes a job that exhausted its retries
type DeadLetterResponse struct {
	VideoID    string    `json:"videoId"`
	ChunkIndex int       `json:"chunkIndex"`
	LastError  string    `json:"lastError"`
	FailedAt   time.Time `json:"failedAt"`
}

// NewStatusResponse builds a consistent snapshot from a record
func NewStatusResponse(v *VideoTranscript) *StatusResponse {
	resp := &StatusResponse{
		VideoID:         v.VideoID,
		OverallStatus:   v.OverallStatus,
		ProcessingMode:  v.ProcessingMode,
		CompletedChunks: v.Metadata.CompletedChunks,
		TotalChunks:     v.Metadata.TotalChunks,
		Error:           v.Error,
		StartedAt:       v.Metadata.ProcessingStartTime,
		CompletedAt:     v.Metadata.ProcessingEndTime,
	}
	for _, c := range v.SortedChunks() {
		resp.Chunks = append(resp.Chunks, ChunkStatus{
			ChunkIndex: c.ChunkIndex,
			StartTime:  c.StartTime,
			EndTime:    c.EndTime,
			Status:     c.Status,
			Error:      c.Error,
		})
	}
	return resp
}

// NewTranscriptResponse builds the consumer view of a completed record
func NewTranscriptResponse(v *VideoTranscript, cached bool) *TranscriptResponse {
	return &TranscriptResponse{
		VideoID:    v.VideoID,
		Transcript: v.Transcript,
		Language:   v.Language,
		WordCount:  v.WordCount,
		Duration:   v.Duration,
		Source:     v.Source,
		Cached:     cached,
	}
}
