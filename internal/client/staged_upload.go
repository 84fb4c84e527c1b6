package client

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/model"
)

const stagedURLExpiry = 6 * time.Hour

// StagedUploadProvider stages audio in object storage and hands the
// provider a presigned URL instead of uploading bytes to it directly.
// A staged object is deleted once the job created from it is terminal.
type StagedUploadProvider struct {
	TranscriptionProvider
	storage StorageClient
	prefix  string
	log     *logrus.Entry

	mu      sync.Mutex
	byURL   map[string]string
	byJobID map[string]string
}

// NewStagedUploadProvider wraps inner so Upload goes through storage
func NewStagedUploadProvider(inner TranscriptionProvider, storage StorageClient, prefix string, log *logrus.Logger) *StagedUploadProvider {
	if prefix == "" {
		prefix = "chunks"
	}
	return &StagedUploadProvider{
		TranscriptionProvider: inner,
		storage:               storage,
		prefix:                prefix,
		log:                   log.WithField("component", "staged-upload"),
		byURL:                 make(map[string]string),
		byJobID:               make(map[string]string),
	}
}

// Upload stores <prefix>/<videoId>/<file> and returns a presigned GET URL
func (p *StagedUploadProvider) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open chunk: %v", model.ErrValidation, err)
	}
	defer f.Close()

	key := StagedKey(p.prefix, localPath)
	if err := p.storage.Upload(ctx, key, f, "audio/mpeg"); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
	}
	url, err := p.storage.GetSignedURL(ctx, key, stagedURLExpiry)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
	}

	p.mu.Lock()
	p.byURL[url] = key
	p.mu.Unlock()
	return url, nil
}

func (p *StagedUploadProvider) CreateJob(ctx context.Context, uploadURL string, meta JobMeta) (string, error) {
	id, err := p.TranscriptionProvider.CreateJob(ctx, uploadURL, meta)
	p.mu.Lock()
	key, ok := p.byURL[uploadURL]
	delete(p.byURL, uploadURL)
	if ok && err == nil {
		p.byJobID[id] = key
	}
	p.mu.Unlock()
	if err != nil {
		// a retry stages the chunk again
		if ok {
			p.remove(ctx, key)
		}
		return "", err
	}
	return id, nil
}

func (p *StagedUploadProvider) PollJob(ctx context.Context, providerJobID string) (*ProviderJob, error) {
	job, err := p.TranscriptionProvider.PollJob(ctx, providerJobID)
	if err != nil {
		return nil, err
	}
	if job.Status == ProviderJobCompleted || job.Status == ProviderJobError {
		p.release(ctx, providerJobID)
	}
	return job, nil
}

func (p *StagedUploadProvider) release(ctx context.Context, providerJobID string) {
	p.mu.Lock()
	key, ok := p.byJobID[providerJobID]
	delete(p.byJobID, providerJobID)
	p.mu.Unlock()
	if ok {
		p.remove(ctx, key)
	}
}

func (p *StagedUploadProvider) remove(ctx context.Context, key string) {
	if err := p.storage.Delete(ctx, key); err != nil {
		p.log.WithError(err).WithField("key", key).Warn("failed to delete staged chunk")
	}
}

// StagedKey derives the object key from a chunk file path
func StagedKey(prefix, localPath string) string {
	dir := filepath.Base(filepath.Dir(localPath))
	return path.Join(prefix, dir, filepath.Base(localPath))
}
