package model

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidVideoID reports whether id is usable as a record key and directory name
func ValidVideoID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// VideoTranscript is the persisted per-video record
type VideoTranscript struct {
	VideoID        string           `json:"videoId"`
	VideoRef       string           `json:"videoRef,omitempty"`
	OverallStatus  TranscriptStatus `json:"overallStatus"`
	ProcessingMode ProcessingMode   `json:"processingMode"`
	Transcript     string           `json:"transcript,omitempty"`
	Language       string           `json:"language,omitempty"`
	WordCount      int              `json:"wordCount"`
	Duration       float64          `json:"duration"`
	Source         string           `json:"source,omitempty"`
	Error          string           `json:"error,omitempty"`
	Chunks         []ChunkRecord    `json:"chunks,omitempty"`
	Metadata       Metadata         `json:"metadata"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Metadata holds aggregate progress and timing
type Metadata struct {
	TotalChunks          int        `json:"totalChunks"`
	CompletedChunks      int        `json:"completedChunks"`
	ProcessingStartTime  *time.Time `json:"processingStartTime,omitempty"`
	ProcessingEndTime    *time.Time `json:"processingEndTime,omitempty"`
	ProcessingDurationMs int64      `json:"processingDurationMs"`
	LastUsedAt           *time.Time `json:"lastUsedAt,omitempty"`
}

// ChunkRecord is one time slice of a video's audio
type ChunkRecord struct {
	ChunkIndex   int              `json:"chunkIndex"`
	StartTime    float64          `json:"startTime"`
	EndTime      float64          `json:"endTime"`
	ChunkPath    string           `json:"chunkPath,omitempty"`
	TranscriptID string           `json:"transcriptId,omitempty"`
	Transcript   string           `json:"transcript,omitempty"`
	Language     string           `json:"language,omitempty"`
	Status       TranscriptStatus `json:"status"`
	UploadedAt   *time.Time       `json:"uploadedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// IsViable reports whether the record can be served from cache
func (v *VideoTranscript) IsViable(minChars int) bool {
	return v != nil && v.OverallStatus == StatusCompleted && len(v.Transcript) > minChars
}

// CountChunks returns the number of chunks currently in status
func (v *VideoTranscript) CountChunks(status TranscriptStatus) int {
	n := 0
	for _, c := range v.Chunks {
		if c.Status == status {
			n++
		}
	}
	return n
}

// AllChunksTerminal reports whether every chunk reached completed or failed
func (v *VideoTranscript) AllChunksTerminal() bool {
	for _, c := range v.Chunks {
		if !c.Status.IsTerminal() {
			return false
		}
	}
	return len(v.Chunks) > 0
}

// SortedChunks returns the chunks ordered by chunkIndex
func (v *VideoTranscript) SortedChunks() []ChunkRecord {
	chunks := make([]ChunkRecord, len(v.Chunks))
	copy(chunks, v.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks
}

// Chunk returns the chunk with the given index
func (v *VideoTranscript) Chunk(index int) (ChunkRecord, bool) {
	for _, c := range v.Chunks {
		if c.ChunkIndex == index {
			return c, true
		}
	}
	return ChunkRecord{}, false
}

// CountWords counts whitespace separated words
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// TimePtr returns a pointer to a UTC copy of t
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
