// Package model holds the run configuration, run state and result card
// types shared by the coordinator, the page agent and the CLI.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

type Mode string

const (
	ModeVideo Mode = "video"
	ModeImage Mode = "image"
)

type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
)

type ImageResolution string

const (
	Resolution1K ImageResolution = "1k"
	Resolution2K ImageResolution = "2k"
	Resolution4K ImageResolution = "4k"
)

// MediaKind is the kind of file a download produces.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaImage MediaKind = "image"
)

// Kind returns the media kind a generation mode produces.
func (m Mode) Kind() MediaKind {
	if m == ModeImage {
		return MediaImage
	}
	return MediaVideo
}

const (
	DefaultDelay             = 5 * time.Second
	DefaultGenerationTimeout = 180 * time.Second
	DefaultMaxRetries        = 2
	DefaultPauseEveryN       = 3
	DefaultPauseMin          = time.Minute
	DefaultPauseMax          = 6 * time.Minute
	MinPauseBound            = time.Minute
	MaxPauseBound            = 60 * time.Minute
)

var (
	ErrNoPrompts        = errors.New("no prompts to process")
	ErrNoAspectSelected = errors.New("randomized aspect ratio needs portrait or landscape enabled")
)

// ScheduledPause configures the periodic break taken during long runs.
type ScheduledPause struct {
	Enabled bool          `json:"enabled"`
	EveryN  int           `json:"everyN"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

// RunConfig is the immutable configuration of one run.
type RunConfig struct {
	Prompts                []string        `json:"prompts"`
	Mode                   Mode            `json:"mode"`
	AspectRatio            AspectRatio     `json:"aspectRatio"`
	RandomizeAspectRatio   bool            `json:"randomizeAspectRatio"`
	RandomIncludePortrait  bool            `json:"randomIncludePortrait"`
	RandomIncludeLandscape bool            `json:"randomIncludeLandscape"`
	ImageResolution        ImageResolution `json:"imageResolution"`
	DoUpscale              bool            `json:"doUpscale"`
	AutoDownload           bool            `json:"autoDownload"`
	Delay                  time.Duration   `json:"delay"`
	GenerationTimeout      time.Duration   `json:"generationTimeout"`
	MaxRetries             int             `json:"maxRetries"`
	Subfolder              string          `json:"subfolder"`
	SavePromptText         bool            `json:"savePromptText"`
	ScheduledPause         ScheduledPause  `json:"scheduledPause"`

	// Attempt counts how many retries led to this run; 0 for a fresh run.
	Attempt int `json:"attempt,omitempty"`
}

// ErrRetriesExhausted is returned when a run's prompts were already retried
// MaxRetries times.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig returns the configuration of a run that re-queues prompts of
// a run made with c.
func (c RunConfig) RetryConfig(prompts []string) (RunConfig, error) {
	if c.Attempt >= c.MaxRetries {
		return RunConfig{}, fmt.Errorf("%w: already retried %d of %d time(s)", ErrRetriesExhausted, c.Attempt, c.MaxRetries)
	}
	c.Prompts = append([]string(nil), prompts...)
	c.Attempt++
	return c, nil
}

// DefaultRunConfig returns the configuration used when nothing is persisted.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Mode:                   ModeVideo,
		AspectRatio:            AspectLandscape,
		RandomIncludePortrait:  true,
		RandomIncludeLandscape: true,
		ImageResolution:        Resolution1K,
		AutoDownload:           true,
		Delay:                  DefaultDelay,
		GenerationTimeout:      DefaultGenerationTimeout,
		MaxRetries:             DefaultMaxRetries,
		ScheduledPause: ScheduledPause{
			EveryN: DefaultPauseEveryN,
			Min:    DefaultPauseMin,
			Max:    DefaultPauseMax,
		},
	}
}

// ParsePrompts splits newline-delimited text into trimmed, non-empty prompts.
func ParsePrompts(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	return lo.FilterMap(lines, func(line string, _ int) (string, bool) {
		line = strings.TrimSpace(line)
		return line, line != ""
	})
}

// Normalize fills zero values with defaults, drops blank prompts and orders
// the pause bounds. It returns the adjusted copy.
func (c RunConfig) Normalize() RunConfig {
	c.Prompts = ParsePrompts(strings.Join(c.Prompts, "\n"))
	if c.Mode == "" {
		c.Mode = ModeVideo
	}
	if c.AspectRatio == "" {
		c.AspectRatio = AspectLandscape
	}
	if c.ImageResolution == "" {
		c.ImageResolution = Resolution1K
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	p := &c.ScheduledPause
	if p.EveryN <= 0 {
		p.EveryN = DefaultPauseEveryN
	}
	if p.Min <= 0 {
		p.Min = DefaultPauseMin
	}
	if p.Max <= 0 {
		p.Max = DefaultPauseMax
	}
	if p.Min > p.Max {
		p.Min, p.Max = p.Max, p.Min
	}
	return c
}

// Validate reports whether the configuration can start a run.
func (c RunConfig) Validate() error {
	if len(ParsePrompts(strings.Join(c.Prompts, "\n"))) == 0 {
		return ErrNoPrompts
	}
	switch c.Mode {
	case ModeVideo, ModeImage:
	default:
		return fmt.Errorf("unknown generation mode %q", c.Mode)
	}
	switch c.AspectRatio {
	case AspectLandscape, AspectPortrait:
	default:
		return fmt.Errorf("unknown aspect ratio %q", c.AspectRatio)
	}
	switch c.ImageResolution {
	case Resolution1K, Resolution2K, Resolution4K:
	default:
		return fmt.Errorf("unknown image resolution %q", c.ImageResolution)
	}
	if c.RandomizeAspectRatio && !c.RandomIncludePortrait && !c.RandomIncludeLandscape {
		return ErrNoAspectSelected
	}
	if p := c.ScheduledPause; p.Enabled {
		if p.EveryN < 1 {
			return fmt.Errorf("pause interval must be at least 1, got %d", p.EveryN)
		}
		if p.Min > p.Max {
			return fmt.Errorf("pause minimum %s exceeds maximum %s", p.Min, p.Max)
		}
		if p.Min < MinPauseBound || p.Max > MaxPauseBound {
			return fmt.Errorf("pause duration must be between %s and %s", MinPauseBound, MaxPauseBound)
		}
	}
	return nil
}

// AspectChoices lists the aspect ratios a randomized run may pick from.
func (c RunConfig) AspectChoices() []AspectRatio {
	if !c.RandomizeAspectRatio {
		return []AspectRatio{c.AspectRatio}
	}
	var out []AspectRatio
	if c.RandomIncludeLandscape {
		out = append(out, AspectLandscape)
	}
	if c.RandomIncludePortrait {
		out = append(out, AspectPortrait)
	}
	if len(out) == 0 {
		out = append(out, c.AspectRatio)
	}
	return out
}

// PromptOptions is the subset of the run configuration the page agent needs.
type PromptOptions struct {
	Mode                   Mode            `json:"mode"`
	DoUpscale              bool            `json:"doUpscale"`
	AspectRatio            AspectRatio     `json:"aspectRatio"`
	ImageResolution        ImageResolution `json:"imageResolution"`
	GenerationTimeout      time.Duration   `json:"generationTimeout"`
	TotalPrompts           int             `json:"totalPrompts"`
	RandomizeAspectRatio   bool            `json:"randomizeAspectRatio"`
	RandomIncludePortrait  bool            `json:"randomIncludePortrait"`
	RandomIncludeLandscape bool            `json:"randomIncludeLandscape"`
}

// PromptOptions derives the per-prompt options sent to the page agent.
func (c RunConfig) PromptOptions() PromptOptions {
	return PromptOptions{
		Mode:                   c.Mode,
		DoUpscale:              c.DoUpscale,
		AspectRatio:            c.AspectRatio,
		ImageResolution:        c.ImageResolution,
		GenerationTimeout:      c.GenerationTimeout,
		TotalPrompts:           len(c.Prompts),
		RandomizeAspectRatio:   c.RandomizeAspectRatio,
		RandomIncludePortrait:  c.RandomIncludePortrait,
		RandomIncludeLandscape: c.RandomIncludeLandscape,
	}
}

// AspectChoices mirrors RunConfig.AspectChoices for the page side.
func (o PromptOptions) AspectChoices() []AspectRatio {
	return RunConfig{
		AspectRatio:            o.AspectRatio,
		RandomizeAspectRatio:   o.RandomizeAspectRatio,
		RandomIncludePortrait:  o.RandomIncludePortrait,
		RandomIncludeLandscape: o.RandomIncludeLandscape,
	}.AspectChoices()
}
