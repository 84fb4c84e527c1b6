package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lectern/transcriber/internal/client"
	"github.com/lectern/transcriber/internal/media"
	"github.com/lectern/transcriber/internal/model"
)

// WholeFile is the index the fake provider uses for uploads that are not
// chunk files, such as sequential runs.
const WholeFile = -1

type fakeJob struct {
	index int
	polls int
	fail  bool
}

// FakeProvider is a scripted client.TranscriptionProvider. Behaviour is
// keyed by the chunk index parsed from the uploaded file name.
type FakeProvider struct {
	// TextFor builds the transcript of an index; defaults to "chunk N text"
	TextFor func(index int) string
	// Language reported for every job; defaults to "en"
	Language string
	// PollsToComplete is how many polls a job stays processing
	PollsToComplete int

	mu          sync.Mutex
	unavailable map[int]int
	jobErrors   map[int]int
	hang        map[int]bool
	jobs        map[string]*fakeJob
	nextID      int
	submissions []time.Time
	uploads     int
	creates     map[int]int
	polls       int
	open        map[int]bool
	peak        int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Language:    "en",
		unavailable: make(map[int]int),
		jobErrors:   make(map[int]int),
		hang:        make(map[int]bool),
		jobs:        make(map[string]*fakeJob),
		creates:     make(map[int]int),
		open:        make(map[int]bool),
	}
}

// FailCreate makes the next n CreateJob calls for index fail as transient.
// A negative n fails every call.
func (p *FakeProvider) FailCreate(index, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable[index] = n
}

// FailJob makes the next n jobs for index finish with provider status error.
// A negative n fails every job.
func (p *FakeProvider) FailJob(index, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobErrors[index] = n
}

// Hang keeps every job for index processing forever
func (p *FakeProvider) Hang(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang[index] = true
}

// Heal clears every scripted failure for index
func (p *FakeProvider) Heal(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.unavailable, index)
	delete(p.jobErrors, index)
	delete(p.hang, index)
}

func (p *FakeProvider) Upload(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads++
	p.submissions = append(p.submissions, time.Now())
	idx := indexOf(path)
	p.open[idx] = true
	if len(p.open) > p.peak {
		p.peak = len(p.open)
	}
	return "fake://" + path, nil
}

func (p *FakeProvider) CreateJob(ctx context.Context, uploadURL string, meta client.JobMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = append(p.submissions, time.Now())
	idx := indexOf(strings.TrimPrefix(uploadURL, "fake://"))
	p.creates[idx]++

	if n := p.unavailable[idx]; n != 0 {
		if n > 0 {
			p.unavailable[idx] = n - 1
		}
		delete(p.open, idx)
		return "", fmt.Errorf("%w: scripted outage for chunk %d", model.ErrProviderUnavailable, idx)
	}

	job := &fakeJob{index: idx}
	if n := p.jobErrors[idx]; n != 0 {
		if n > 0 {
			p.jobErrors[idx] = n - 1
		}
		job.fail = true
	}
	p.nextID++
	id := fmt.Sprintf("job-%d", p.nextID)
	p.jobs[id] = job
	return id, nil
}

func (p *FakeProvider) PollJob(ctx context.Context, providerJobID string) (*client.ProviderJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++

	job, ok := p.jobs[providerJobID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job %s", model.ErrProviderJobFailed, providerJobID)
	}
	job.polls++
	if p.hang[job.index] || job.polls < p.PollsToComplete {
		return &client.ProviderJob{ID: providerJobID, Status: client.ProviderJobProcessing}, nil
	}

	delete(p.open, job.index)
	if job.fail {
		return &client.ProviderJob{ID: providerJobID, Status: client.ProviderJobError, Error: "scripted job failure"}, nil
	}
	return &client.ProviderJob{
		ID:       providerJobID,
		Status:   client.ProviderJobCompleted,
		Text:     p.text(job.index),
		Language: p.Language,
	}, nil
}

func (p *FakeProvider) text(index int) string {
	if p.TextFor != nil {
		return p.TextFor(index)
	}
	if index == WholeFile {
		return "the whole video transcribed in one provider job without any chunking at all"
	}
	return fmt.Sprintf("chunk %d text", index)
}

// Submissions returns the time of every Upload and CreateJob call
func (p *FakeProvider) Submissions() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.submissions))
	copy(out, p.submissions)
	return out
}

// Calls returns the number of uploads, create calls and polls seen so far
func (p *FakeProvider) Calls() (uploads, creates, polls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.creates {
		creates += n
	}
	return p.uploads, creates, p.polls
}

// CreatesFor returns the CreateJob calls made for one chunk index
func (p *FakeProvider) CreatesFor(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates[index]
}

// CreatedIndexes returns every index that reached CreateJob, sorted
func (p *FakeProvider) CreatedIndexes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for idx := range p.creates {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// PeakOpen is the most chunks ever uploaded but not yet terminal at once
func (p *FakeProvider) PeakOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Reset forgets recorded calls but keeps scripted behaviour
func (p *FakeProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = nil
	p.uploads = 0
	p.polls = 0
	p.creates = make(map[int]int)
	p.open = make(map[int]bool)
	p.peak = 0
}

func indexOf(path string) int {
	if idx, ok := media.ChunkIndexFromPath(path); ok {
		return idx
	}
	return WholeFile
}

// MaxInWindow returns the largest number of times falling in any sliding
// window of the given width.
func MaxInWindow(times []time.Time, window time.Duration) int {
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	best, lo := 0, 0
	for hi := range sorted {
		for sorted[hi].Sub(sorted[lo]) >= window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}
