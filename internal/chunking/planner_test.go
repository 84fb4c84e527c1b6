package chunking

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/lectern/transcriber/internal/model"
)

func TestPlan_TwelveMinuteVideo(t *testing.T) {
	bounds, err := Plan(720, 300)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	want := []Boundary{
		{Index: 0, Start: 0, End: 300},
		{Index: 1, Start: 300, End: 600},
		{Index: 2, Start: 600, End: 720},
	}
	if len(bounds) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(want), len(bounds), bounds)
	}
	for i := range want {
		if bounds[i] != want[i] {
			t.Errorf("chunk %d: expected %+v, got %+v", i, want[i], bounds[i])
		}
	}
}

func TestPlan_PartitionsDurationExactly(t *testing.T) {
	cases := []struct {
		duration float64
		target   float64
	}{
		{1, 300},
		{300, 300},
		{300.5, 300},
		{599.999, 300},
		{3600, 300},
		{7201.25, 120},
		{0.3, 0.1},
		{10, 3},
		{86400, 7},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v/%v", tc.duration, tc.target), func(t *testing.T) {
			bounds, err := Plan(tc.duration, tc.target)
			if err != nil {
				t.Fatalf("plan failed: %v", err)
			}
			if bounds[0].Start != 0 {
				t.Errorf("first chunk starts at %v", bounds[0].Start)
			}
			if last := bounds[len(bounds)-1]; last.End != tc.duration {
				t.Errorf("last chunk ends at %v, expected %v", last.End, tc.duration)
			}

			covered := 0.0
			for i, b := range bounds {
				if b.Index != i {
					t.Errorf("chunk %d has index %d", i, b.Index)
				}
				if i > 0 && b.Start != bounds[i-1].End {
					t.Errorf("gap or overlap between chunk %d and %d: %v != %v", i-1, i, bounds[i-1].End, b.Start)
				}
				if b.Duration() <= 0 {
					t.Errorf("chunk %d is empty", i)
				}
				if b.Duration() > tc.target+1e-9 {
					t.Errorf("chunk %d longer than target: %v", i, b.Duration())
				}
				if i < len(bounds)-1 && math.Abs(b.Duration()-tc.target) > 1e-9 {
					t.Errorf("only the final chunk may be short, chunk %d is %v", i, b.Duration())
				}
				covered += b.Duration()
			}
			if math.Abs(covered-tc.duration) > 1e-6 {
				t.Errorf("coverage %v != duration %v", covered, tc.duration)
			}
		})
	}
}

func TestPlan_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		duration float64
		target   float64
	}{
		{"zero duration", 0, 300},
		{"negative duration", -5, 300},
		{"nan duration", math.NaN(), 300},
		{"infinite duration", math.Inf(1), 300},
		{"zero target", 600, 0},
		{"negative target", 600, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Plan(tc.duration, tc.target)
			if !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestChunks_BuildsPendingRecordsThatValidate(t *testing.T) {
	bounds, err := Plan(720, 300)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	chunks := Chunks(bounds, func(i int) string { return fmt.Sprintf("/tmp/v/chunk_%03d.mp3", i) })
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Status != model.StatusPending {
			t.Errorf("chunk %d status %s, expected pending", c.ChunkIndex, c.Status)
		}
	}
	if chunks[2].ChunkPath != "/tmp/v/chunk_002.mp3" {
		t.Errorf("unexpected path %q", chunks[2].ChunkPath)
	}
	if err := Validate(chunks, 720); err != nil {
		t.Errorf("expected plan to validate: %v", err)
	}
}

func TestValidate_RejectsGapsAndShortCoverage(t *testing.T) {
	gap := []model.ChunkRecord{
		{ChunkIndex: 0, StartTime: 0, EndTime: 300},
		{ChunkIndex: 1, StartTime: 310, EndTime: 600},
	}
	if err := Validate(gap, 600); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for gap, got %v", err)
	}

	short := []model.ChunkRecord{{ChunkIndex: 0, StartTime: 0, EndTime: 300}}
	if err := Validate(short, 600); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for short coverage, got %v", err)
	}

	if err := Validate(nil, 600); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for empty plan, got %v", err)
	}
}
