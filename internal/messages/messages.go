// Package messages defines the logical messages exchanged between the CLI,
// the run coordinator and the page agent.
package messages

import (
	"time"

	"github.com/kernel/flowkit/internal/model"
)

// Message is implemented by every message type.
type Message interface {
	Kind() string
}

// Commands sent from the CLI to the coordinator.

type Start struct {
	Config model.RunConfig `json:"config"`
}

type Stop struct{}

type Pause struct{}

type Unpause struct{}

// Notifications broadcast by the coordinator.

const (
	StatusGenerating = "generating"
	StatusWaiting    = "waiting"
)

type Progress struct {
	RunID   string `json:"runId"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
	Prompt  string `json:"prompt,omitempty"`
}

type Paused struct {
	RunID        string     `json:"runId"`
	IsScheduled  bool       `json:"isScheduled"`
	PauseMinutes string     `json:"pauseMinutes,omitempty"`
	PauseEndTime *time.Time `json:"pauseEndTime,omitempty"`
}

type Unpaused struct {
	RunID string `json:"runId"`
}

type Complete struct {
	RunID   string `json:"runId"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Stopped bool   `json:"stopped,omitempty"`
}

type Error struct {
	RunID   string `json:"runId"`
	Message string `json:"message"`
}

// ItemDone is broadcast after each prompt settles, successful or not.
type ItemDone struct {
	RunID   string `json:"runId"`
	Index   int    `json:"index"`
	Prompt  string `json:"prompt"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Messages from the coordinator to the page.

type ProcessPrompt struct {
	RunID   string              `json:"runId"`
	Prompt  string              `json:"prompt"`
	Index   int                 `json:"index"`
	Options model.PromptOptions `json:"options"`
}

type Ack struct {
	Received bool `json:"received"`
}

type Ping struct{}

type Pong struct{}

// Messages from the page to the coordinator.

type PromptComplete struct {
	RunID   string `json:"runId"`
	Success bool   `json:"success"`
	Prompt  string `json:"prompt"`
	Index   int    `json:"index"`
	Error   string `json:"error,omitempty"`
}

type RegisterDownload struct {
	URL       string          `json:"url"`
	MediaKind model.MediaKind `json:"kind"`
}

func (Start) Kind() string            { return "start" }
func (Stop) Kind() string             { return "stop" }
func (Pause) Kind() string            { return "pause" }
func (Unpause) Kind() string          { return "unpause" }
func (Progress) Kind() string         { return "progress" }
func (Paused) Kind() string           { return "paused" }
func (Unpaused) Kind() string         { return "unpaused" }
func (Complete) Kind() string         { return "complete" }
func (Error) Kind() string            { return "error" }
func (ItemDone) Kind() string         { return "itemDone" }
func (ProcessPrompt) Kind() string    { return "processPrompt" }
func (Ack) Kind() string              { return "ack" }
func (Ping) Kind() string             { return "ping" }
func (Pong) Kind() string             { return "pong" }
func (PromptComplete) Kind() string   { return "promptComplete" }
func (RegisterDownload) Kind() string { return "registerDownload" }
