package model

// TranscriptStatus is the lifecycle state shared by videos and chunks
type TranscriptStatus string

const (
	StatusPending    TranscriptStatus = "pending"
	StatusProcessing TranscriptStatus = "processing"
	StatusCompleted  TranscriptStatus = "completed"
	StatusFailed     TranscriptStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves this status
func (s TranscriptStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight reports whether a run owns the record
func (s TranscriptStatus) IsInFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// ProcessingMode selects how a video is transcribed
type ProcessingMode string

const (
	ModeSequential ProcessingMode = "sequential"
	ModeParallel   ProcessingMode = "parallel"
	ModeOffline    ProcessingMode = "offline"

	// ModeAuto is only valid in requests; it resolves to sequential or
	// parallel once the audio duration is known.
	ModeAuto ProcessingMode = "auto"
)

var ValidRequestModes = []ProcessingMode{ModeSequential, ModeParallel, ModeAuto}

// Transcript source labels
const (
	SourceProvider      = "assemblyai"
	SourceCaptions      = "captions"
	SourceCaptionsShort = "captions_short"
	SourceImport        = "import"
)
