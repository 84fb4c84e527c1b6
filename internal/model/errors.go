package model

import "errors"

var (
	// ErrExtraction means no local audio could be produced for a video reference
	ErrExtraction = errors.New("audio extraction failed")

	// ErrProviderUnavailable covers network, auth and 5xx failures from the provider
	ErrProviderUnavailable = errors.New("transcription provider unavailable")

	// ErrProviderJobFailed means the provider finished the job with an error
	ErrProviderJobFailed = errors.New("provider reported transcription error")

	// ErrTranscriptionTimeout means polling exceeded its ceiling
	ErrTranscriptionTimeout = errors.New("transcription timed out")

	// ErrValidation marks malformed jobs or chunk boundaries; never retried
	ErrValidation = errors.New("validation failed")

	// ErrInvalidInput marks bad caller input such as a non-positive duration
	ErrInvalidInput = errors.New("invalid input")

	// ErrAggregationInconsistency means the stored completed counter drifted
	ErrAggregationInconsistency = errors.New("completed chunk counter inconsistent")

	// ErrNotFound means no transcript record exists for the video
	ErrNotFound = errors.New("transcript not found")
)
