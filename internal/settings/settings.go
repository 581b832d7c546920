// Package settings persists the run configuration between invocations in a
// YAML file managed by viper. Environment variables prefixed with FLOWKIT_
// override file values.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/naming"
)

const (
	EnvPrefix = "FLOWKIT"
	EnvHome   = "FLOWKIT_HOME"

	settingsFile = "settings.yaml"
	databaseFile = "flowkit.db"
	profileDir   = "chrome-profile"
	stagingDir   = "staging"
)

// Setting keys.
const (
	KeyGenerationMode         = "generationMode"
	KeyPrompts                = "prompts"
	KeyAutoDownload           = "autoDownload"
	KeyDoUpscale              = "doUpscale"
	KeySavePromptTxt          = "savePromptTxt"
	KeySubfolder              = "subfolder"
	KeyOutputDir              = "outputDir"
	KeyDelaySeconds           = "delaySeconds"
	KeyAspectRatio            = "aspectRatio"
	KeyImageResolution        = "imageResolution"
	KeyGenerationTimeout      = "generationTimeout"
	KeyMaxRetries             = "maxRetries"
	KeyRandomizeAspectRatio   = "randomizeAspectRatio"
	KeyRandomIncludePortrait  = "randomIncludePortrait"
	KeyRandomIncludeLandscape = "randomIncludeLandscape"
	KeyScheduledPauseEnabled  = "scheduledPauseEnabled"
	KeyPauseEveryN            = "pauseEveryN"
	KeyPauseMinMinutes        = "pauseMinMinutes"
	KeyPauseMaxMinutes        = "pauseMaxMinutes"
)

// ErrUnknownKey is returned for keys outside the settings schema.
var ErrUnknownKey = errors.New("unknown setting")

type kind int

const (
	kindString kind = iota
	kindBool
	kindInt
)

type field struct {
	kind    kind
	def     any
	choices []string
	min     int
	max     int
}

var schema = map[string]field{
	KeyGenerationMode:         {kind: kindString, def: string(model.ModeVideo), choices: []string{string(model.ModeVideo), string(model.ModeImage)}},
	KeyPrompts:                {kind: kindString, def: ""},
	KeyAutoDownload:           {kind: kindBool, def: true},
	KeyDoUpscale:              {kind: kindBool, def: false},
	KeySavePromptTxt:          {kind: kindBool, def: false},
	KeySubfolder:              {kind: kindString, def: ""},
	KeyOutputDir:              {kind: kindString, def: ""},
	KeyDelaySeconds:           {kind: kindInt, def: int(model.DefaultDelay / time.Second), min: 0, max: 3600},
	KeyAspectRatio:            {kind: kindString, def: string(model.AspectLandscape), choices: []string{string(model.AspectLandscape), string(model.AspectPortrait)}},
	KeyImageResolution:        {kind: kindString, def: string(model.Resolution1K), choices: []string{string(model.Resolution1K), string(model.Resolution2K), string(model.Resolution4K)}},
	KeyGenerationTimeout:      {kind: kindInt, def: int(model.DefaultGenerationTimeout / time.Second), min: 10, max: 3600},
	KeyMaxRetries:             {kind: kindInt, def: model.DefaultMaxRetries, min: 0, max: 10},
	KeyRandomizeAspectRatio:   {kind: kindBool, def: false},
	KeyRandomIncludePortrait:  {kind: kindBool, def: true},
	KeyRandomIncludeLandscape: {kind: kindBool, def: true},
	KeyScheduledPauseEnabled:  {kind: kindBool, def: false},
	KeyPauseEveryN:            {kind: kindInt, def: model.DefaultPauseEveryN, min: 1, max: 1000},
	KeyPauseMinMinutes:        {kind: kindInt, def: int(model.DefaultPauseMin / time.Minute), min: 1, max: 60},
	KeyPauseMaxMinutes:        {kind: kindInt, def: int(model.DefaultPauseMax / time.Minute), min: 1, max: 60},
}

// Keys returns every setting key in sorted order.
func Keys() []string {
	keys := lo.Keys(schema)
	slices.Sort(keys)
	return keys
}

// Home returns the flowkit state directory: $FLOWKIT_HOME or ~/.flowkit.
func Home() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".flowkit"), nil
}

// Paths lists the files kept under the state directory.
type Paths struct {
	Home     string
	Settings string
	Database string
	Profile  string
	Staging  string
}

// PathsFor derives the state file locations below home.
func PathsFor(home string) Paths {
	return Paths{
		Home:     home,
		Settings: filepath.Join(home, settingsFile),
		Database: filepath.Join(home, databaseFile),
		Profile:  filepath.Join(home, profileDir),
		Staging:  filepath.Join(home, stagingDir),
	}
}

type Settings struct {
	v       *viper.Viper
	path    string
	changed map[string]bool
}

// Load reads the settings file at path. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, f := range schema {
		v.SetDefault(key, f.def)
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat settings %s: %w", path, err)
	}
	return &Settings{v: v, path: path, changed: map[string]bool{}}, nil
}

// Path returns the settings file location.
func (s *Settings) Path() string {
	return s.path
}

// Get returns the effective value of key.
func (s *Settings) Get(key string) (any, error) {
	key, f, err := lookup(key)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case kindBool:
		return s.v.GetBool(key), nil
	case kindInt:
		return s.v.GetInt(key), nil
	default:
		return s.v.GetString(key), nil
	}
}

// GetString returns key formatted for display.
func (s *Settings) GetString(key string) (string, error) {
	val, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(val), nil
}

// All returns every effective value keyed by setting name.
func (s *Settings) All() map[string]any {
	out := make(map[string]any, len(schema))
	for _, key := range Keys() {
		out[key], _ = s.Get(key)
	}
	return out
}

// Set parses raw according to the type of key and stores it in memory. Call
// Save to persist it.
func (s *Settings) Set(key, raw string) error {
	key, f, err := lookup(key)
	if err != nil {
		return err
	}
	val, err := parse(key, f, raw)
	if err != nil {
		return err
	}
	s.v.Set(key, val)
	s.changed[key] = true
	return nil
}

// SetPrompts stores prompts as newline-separated text.
func (s *Settings) SetPrompts(prompts []string) {
	s.v.Set(KeyPrompts, strings.Join(prompts, "\n"))
	s.changed[KeyPrompts] = true
}

// BindFlag makes a changed command-line flag take precedence over key.
func (s *Settings) BindFlag(key string, flag *pflag.Flag) error {
	key, _, err := lookup(key)
	if err != nil {
		return err
	}
	if flag == nil {
		return fmt.Errorf("no flag to bind for %s", key)
	}
	return s.v.BindPFlag(key, flag)
}

// Save writes values read from the file or changed through Set. Defaults and
// environment overrides are not written.
func (s *Settings) Save() error {
	out := viper.New()
	out.SetConfigType("yaml")
	for _, key := range Keys() {
		if s.changed[key] || s.v.InConfig(key) {
			val, _ := s.Get(key)
			out.Set(key, val)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := out.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// Reset deletes the settings file and reverts to defaults.
func (s *Settings) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove settings: %w", err)
	}
	fresh, err := Load(s.path)
	if err != nil {
		return err
	}
	*s = *fresh
	return nil
}

// ToRunConfig builds the run configuration. An empty subfolder becomes the
// dated default for now.
func (s *Settings) ToRunConfig(now time.Time) model.RunConfig {
	sub := naming.CleanSubfolder(s.v.GetString(KeySubfolder))
	if sub == "" {
		sub = naming.DefaultSubfolder(now)
	}
	return model.RunConfig{
		Prompts:                model.ParsePrompts(s.v.GetString(KeyPrompts)),
		Mode:                   model.Mode(s.v.GetString(KeyGenerationMode)),
		AspectRatio:            model.AspectRatio(s.v.GetString(KeyAspectRatio)),
		RandomizeAspectRatio:   s.v.GetBool(KeyRandomizeAspectRatio),
		RandomIncludePortrait:  s.v.GetBool(KeyRandomIncludePortrait),
		RandomIncludeLandscape: s.v.GetBool(KeyRandomIncludeLandscape),
		ImageResolution:        model.ImageResolution(s.v.GetString(KeyImageResolution)),
		DoUpscale:              s.v.GetBool(KeyDoUpscale),
		AutoDownload:           s.v.GetBool(KeyAutoDownload),
		Delay:                  time.Duration(s.v.GetInt(KeyDelaySeconds)) * time.Second,
		GenerationTimeout:      time.Duration(s.v.GetInt(KeyGenerationTimeout)) * time.Second,
		MaxRetries:             s.v.GetInt(KeyMaxRetries),
		Subfolder:              sub,
		SavePromptText:         s.v.GetBool(KeySavePromptTxt),
		ScheduledPause: model.ScheduledPause{
			Enabled: s.v.GetBool(KeyScheduledPauseEnabled),
			EveryN:  s.v.GetInt(KeyPauseEveryN),
			Min:     time.Duration(s.v.GetInt(KeyPauseMinMinutes)) * time.Minute,
			Max:     time.Duration(s.v.GetInt(KeyPauseMaxMinutes)) * time.Minute,
		},
	}
}

// OutputDir returns the download root: the outputDir setting or ~/Downloads.
func (s *Settings) OutputDir() (string, error) {
	if dir := s.v.GetString(KeyOutputDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, "Downloads"), nil
}

// lookup resolves key case-insensitively to its canonical spelling.
func lookup(key string) (string, field, error) {
	for name, f := range schema {
		if strings.EqualFold(name, key) {
			return name, f, nil
		}
	}
	return "", field{}, fmt.Errorf("%w %q", ErrUnknownKey, key)
}

func parse(key string, f field, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch f.kind {
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false, got %q", key, raw)
		}
		return b, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects a whole number, got %q", key, raw)
		}
		if n < f.min || n > f.max {
			return nil, fmt.Errorf("%s must be between %d and %d", key, f.min, f.max)
		}
		return n, nil
	default:
		if len(f.choices) > 0 && !slices.Contains(f.choices, raw) {
			return nil, fmt.Errorf("%s must be one of %s", key, strings.Join(f.choices, ", "))
		}
		return raw, nil
	}
}
