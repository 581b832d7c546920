package model

import "time"

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
)

// FailedItem records a prompt that did not produce a download.
type FailedItem struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
	Error  string `json:"error"`
}

// RunState is the mutable progress of a run. It is owned by the coordinator
// and handed out only as copies.
type RunState struct {
	RunID                   string       `json:"runId"`
	IsProcessing            bool         `json:"isProcessing"`
	CurrentIndex            int          `json:"currentIndex"`
	Total                   int          `json:"total"`
	SuccessCount            int          `json:"successCount"`
	FailCount               int          `json:"failCount"`
	IsPaused                bool         `json:"isPaused"`
	PauseEndTime            *time.Time   `json:"pauseEndTime,omitempty"`
	ProcessedSinceLastPause int          `json:"processedSinceLastPause"`
	Failed                  []FailedItem `json:"failed,omitempty"`
	StartedAt               time.Time    `json:"startedAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
}

// Phase derives the coordinator phase from the flags.
func (s RunState) Phase() Phase {
	switch {
	case !s.IsProcessing:
		return PhaseIdle
	case s.IsPaused:
		return PhasePaused
	default:
		return PhaseRunning
	}
}

// Clone returns a deep copy safe to share across goroutines.
func (s RunState) Clone() RunState {
	if s.PauseEndTime != nil {
		t := *s.PauseEndTime
		s.PauseEndTime = &t
	}
	if s.Failed != nil {
		s.Failed = append([]FailedItem(nil), s.Failed...)
	}
	return s
}

// MissingMarker is the position marker assumed for cards without one.
const MissingMarker = 999

// ResultCard is a generated media card found on the page.
type ResultCard struct {
	Ref        string    `json:"ref"`
	Marker     int       `json:"marker"`
	Ready      bool      `json:"ready"`
	PromptText string    `json:"promptText"`
	MediaURL   string    `json:"mediaUrl"`
	Kind       MediaKind `json:"kind"`
}
