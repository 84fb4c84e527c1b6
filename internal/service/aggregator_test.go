package service

import (
	"context"
	"testing"
	"time"

	"github.com/lectern/transcriber/internal/logging"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/store"
	"github.com/lectern/transcriber/internal/testsupport"
)

func seedChunks(t *testing.T, st store.TranscriptStore, videoID string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := st.Claim(ctx, videoID, store.ClaimOptions{
		VideoRef: videoID, Mode: model.ModeParallel, StaleAfter: time.Hour, MinChars: 50, Now: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	chunks := make([]model.ChunkRecord, n)
	for i := range chunks {
		chunks[i] = model.ChunkRecord{
			ChunkIndex: i,
			StartTime:  float64(i) * 300,
			EndTime:    float64(i+1) * 300,
			ChunkPath:  "/tmp/unused.mp3",
			Status:     model.StatusPending,
		}
	}
	if err := st.InitChunks(ctx, videoID, float64(n)*300, chunks); err != nil {
		t.Fatal(err)
	}
}

func complete(t *testing.T, st store.TranscriptStore, videoID string, idx int, text, lang string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := st.StartChunk(ctx, videoID, idx, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CompleteChunk(ctx, videoID, idx, text, lang, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestAggregator_OutOfOrderCompletionAssemblesByIndex(t *testing.T) {
	st := testsupport.NewRedisStore(t)
	rec := &testsupport.RecorderSink{}
	agg := NewAggregator(st, rec, logging.Discard())
	ctx := context.Background()
	seedChunks(t, st, "vid", 3)

	for _, idx := range []int{2, 0} {
		complete(t, st, "vid", idx, lectureText(idx), "en")
		v, err := agg.Evaluate(ctx, "vid")
		if err != nil {
			t.Fatal(err)
		}
		if v.OverallStatus != model.StatusProcessing {
			t.Fatalf("partial completion must keep the video processing, got %s", v.OverallStatus)
		}
	}
	complete(t, st, "vid", 1, lectureText(1), "fr")

	v, err := agg.Evaluate(ctx, "vid")
	if err != nil {
		t.Fatal(err)
	}
	if v.OverallStatus != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", v.OverallStatus)
	}
	if want := "part 0 of the lecture part 1 of the lecture part 2 of the lecture"; v.Transcript != want {
		t.Errorf("transcript %q, want %q", v.Transcript, want)
	}
	if v.Language != "en" || v.WordCount != 15 || v.Source != model.SourceProvider {
		t.Errorf("unexpected lang=%s words=%d source=%s", v.Language, v.WordCount, v.Source)
	}
}

func TestAggregator_EvaluateIsIdempotent(t *testing.T) {
	st := testsupport.NewRedisStore(t)
	rec := &testsupport.RecorderSink{}
	agg := NewAggregator(st, rec, logging.Discard())
	seedChunks(t, st, "vid", 1)
	complete(t, st, "vid", 0, "only chunk", "en")

	for i := 0; i < 3; i++ {
		if _, err := agg.Evaluate(context.Background(), "vid"); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(rec.OfType("vid", model.EventVideoTransition)); n != 1 {
		t.Errorf("expected a single completion event, got %d", n)
	}
}

func TestAggregator_RepairsDriftedCounter(t *testing.T) {
	st := testsupport.NewRedisStore(t)
	rec := &testsupport.RecorderSink{}
	agg := NewAggregator(st, rec, logging.Discard())
	ctx := context.Background()
	seedChunks(t, st, "vid", 3)
	complete(t, st, "vid", 0, "first", "en")
	if err := st.SetCompletedCount(ctx, "vid", 7); err != nil {
		t.Fatal(err)
	}

	v, err := agg.Evaluate(ctx, "vid")
	if err != nil {
		t.Fatal(err)
	}
	if v.Metadata.CompletedChunks != 1 {
		t.Errorf("counter not repaired: %d", v.Metadata.CompletedChunks)
	}
	repairs := rec.OfType("vid", model.EventAggregationRepair)
	if len(repairs) != 1 {
		t.Fatalf("expected one repair event, got %d", len(repairs))
	}
	if stored, _ := st.Get(ctx, "vid"); stored.Metadata.CompletedChunks != 1 {
		t.Errorf("repair not persisted: %d", stored.Metadata.CompletedChunks)
	}
}

func TestAggregator_FailsOnceEveryChunkIsTerminal(t *testing.T) {
	st := testsupport.NewRedisStore(t)
	agg := NewAggregator(st, &testsupport.RecorderSink{}, logging.Discard())
	ctx := context.Background()
	seedChunks(t, st, "vid", 2)

	st.StartChunk(ctx, "vid", 1, time.Now())
	st.FailChunk(ctx, "vid", 1, "boom", time.Now())
	v, _ := agg.Evaluate(ctx, "vid")
	if v.OverallStatus == model.StatusFailed {
		t.Fatal("a pending sibling must keep the video open")
	}

	complete(t, st, "vid", 0, "first", "en")
	v, _ = agg.Evaluate(ctx, "vid")
	if v.OverallStatus != model.StatusFailed || v.Error != "1 of 2 chunks failed" {
		t.Errorf("unexpected outcome %s %q", v.OverallStatus, v.Error)
	}
	if c, _ := v.Chunk(0); c.Transcript != "first" {
		t.Error("completed chunk transcript must survive video failure")
	}
}

func TestAggregator_IgnoresSequentialRecords(t *testing.T) {
	st := testsupport.NewRedisStore(t)
	agg := NewAggregator(st, &testsupport.RecorderSink{}, logging.Discard())
	ctx := context.Background()
	v := &model.VideoTranscript{VideoID: "vid", OverallStatus: model.StatusProcessing, ProcessingMode: model.ModeSequential}
	if err := st.Save(ctx, v); err != nil {
		t.Fatal(err)
	}
	got, err := agg.Evaluate(ctx, "vid")
	if err != nil || got.OverallStatus != model.StatusProcessing {
		t.Errorf("sequential record should be untouched, got %v %v", got.OverallStatus, err)
	}
}

func TestAssemble(t *testing.T) {
	chunks := []model.ChunkRecord{
		{ChunkIndex: 3, Transcript: "  four ", Language: "de"},
		{ChunkIndex: 0, Transcript: "one two", Language: "en"},
		{ChunkIndex: 2, Transcript: "   "},
		{ChunkIndex: 1, Transcript: "three", Language: "de"},
	}
	text, words, lang := Assemble(chunks)
	if text != "one two three four" {
		t.Errorf("text %q", text)
	}
	if words != 4 {
		t.Errorf("words %d", words)
	}
	if lang != "de" {
		t.Errorf("language %q, want majority de", lang)
	}
}
