package chunking

import (
	"fmt"
	"math"

	"github.com/lectern/transcriber/internal/model"
)

// Boundary is one half-open time slice [Start, End) in seconds
type Boundary struct {
	Index int
	Start float64
	End   float64
}

// Duration returns the length of the slice
func (b Boundary) Duration() float64 {
	return b.End - b.Start
}

// Plan partitions [0, duration) into contiguous slices of at most target
// seconds. Only the final slice may be shorter.
func Plan(duration, target float64) ([]Boundary, error) {
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %v", model.ErrInvalidInput, duration)
	}
	if math.IsNaN(target) || math.IsInf(target, 0) || target <= 0 {
		return nil, fmt.Errorf("%w: target chunk length must be positive, got %v", model.ErrInvalidInput, target)
	}

	count := int(math.Ceil(duration / target))
	bounds := make([]Boundary, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * target
		if start >= duration {
			break
		}
		end := float64(i+1) * target
		if i == count-1 || end > duration {
			end = duration
		}
		bounds = append(bounds, Boundary{Index: i, Start: start, End: end})
	}
	return bounds, nil
}

// Chunks turns a plan into pending chunk records
func Chunks(bounds []Boundary, pathFor func(index int) string) []model.ChunkRecord {
	chunks := make([]model.ChunkRecord, 0, len(bounds))
	for _, b := range bounds {
		chunks = append(chunks, model.ChunkRecord{
			ChunkIndex: b.Index,
			StartTime:  b.Start,
			EndTime:    b.End,
			ChunkPath:  pathFor(b.Index),
			Status:     model.StatusPending,
		})
	}
	return chunks
}

// Validate checks that chunks partition [0, duration) in index order
func Validate(chunks []model.ChunkRecord, duration float64) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: empty chunk plan", model.ErrValidation)
	}
	prevEnd := 0.0
	for i, c := range chunks {
		if c.ChunkIndex != i {
			return fmt.Errorf("%w: chunk %d has index %d", model.ErrValidation, i, c.ChunkIndex)
		}
		if c.StartTime != prevEnd {
			return fmt.Errorf("%w: chunk %d starts at %v, expected %v", model.ErrValidation, i, c.StartTime, prevEnd)
		}
		if c.EndTime <= c.StartTime {
			return fmt.Errorf("%w: chunk %d is empty", model.ErrValidation, i)
		}
		prevEnd = c.EndTime
	}
	if prevEnd != duration {
		return fmt.Errorf("%w: plan ends at %v, duration is %v", model.ErrValidation, prevEnd, duration)
	}
	return nil
}
