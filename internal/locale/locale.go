// Package locale maps logical UI labels of the Flow page to the visible text
// each supported interface language uses for them.
package locale

import (
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Key names a logical label independent of interface language.
type Key string

const (
	ModeVideo Key = "mode.video"
	ModeImage Key = "mode.image"

	AspectLandscape Key = "aspect.landscape"
	AspectPortrait  Key = "aspect.portrait"

	DropdownAspect  Key = "dropdown.aspect"
	DropdownOutputs Key = "dropdown.outputs"

	VideoOriginal Key = "download.video.original"
	VideoUpscaled Key = "download.video.upscaled"
	Image1K       Key = "download.image.1k"
	Image2K       Key = "download.image.2k"
	Image4K       Key = "download.image.4k"

	Generate        Key = "button.generate"
	Download        Key = "button.download"
	Dismiss         Key = "button.dismiss"
	UpscaleComplete Key = "toast.upscale.complete"
	UpscaleRunning  Key = "toast.upscale.running"
)

const (
	English    = "en"
	Portuguese = "pt"
)

// Table holds the labels of every locale. Adding a language is adding a column.
type Table map[Key]map[string][]string

// Default is the label table for the Flow interface.
var Default = Table{
	ModeVideo: {
		English:    {"Text to Video"},
		Portuguese: {"Texto para vídeo"},
	},
	ModeImage: {
		English:    {"Create Image"},
		Portuguese: {"Criar imagens"},
	},
	AspectLandscape: {
		English:    {"Landscape (16:9)", "16:9"},
		Portuguese: {"Paisagem (16:9)"},
	},
	AspectPortrait: {
		English:    {"Portrait (9:16)", "9:16"},
		Portuguese: {"Retrato (9:16)"},
	},
	DropdownAspect: {
		English:    {"Aspect Ratio"},
		Portuguese: {"Proporção"},
	},
	DropdownOutputs: {
		English:    {"Outputs per prompt"},
		Portuguese: {"Respostas por comando"},
	},
	VideoOriginal: {
		English:    {"Original size (720p)", "720p"},
		Portuguese: {"Tamanho original (720p)"},
	},
	VideoUpscaled: {
		English:    {"Upscaled (1080p)", "1080p"},
		Portuguese: {"Resolução ampliada (1080p)"},
	},
	Image1K: {
		English:    {"Download 1K", "1K"},
		Portuguese: {"Baixar 1K"},
	},
	Image2K: {
		English:    {"Download 2K", "2K"},
		Portuguese: {"Baixar 2K"},
	},
	Image4K: {
		English:    {"Download 4K", "4K"},
		Portuguese: {"Baixar 4K"},
	},
	Generate: {
		English:    {"generate"},
		Portuguese: {"criar"},
	},
	Download: {
		English:    {"download"},
		Portuguese: {"baixar"},
	},
	Dismiss: {
		English:    {"dismiss"},
		Portuguese: {"dispensar"},
	},
	UpscaleComplete: {
		English:    {"upscaling complete", "has been downloaded"},
		Portuguese: {"upscaling concluído", "foi baixado"},
	},
	UpscaleRunning: {
		English:    {"upscaling your video", "several minutes"},
		Portuguese: {"ampliando seu vídeo", "vários minutos"},
	},
}

// Labels returns every label for key across all locales, in a stable order.
func (t Table) Labels(key Key) []string {
	byLocale := t[key]
	locales := lo.Keys(byLocale)
	slices.Sort(locales)
	var out []string
	for _, l := range locales {
		out = append(out, byLocale[l]...)
	}
	return lo.Uniq(out)
}

// Contains reports whether text contains any label of key, ignoring case.
func (t Table) Contains(text string, key Key) bool {
	lower := strings.ToLower(text)
	return lo.SomeBy(t.Labels(key), func(label string) bool {
		return strings.Contains(lower, strings.ToLower(label))
	})
}

// Equal reports whether trimmed text equals a label of key, ignoring case.
func (t Table) Equal(text string, key Key) bool {
	text = strings.TrimSpace(text)
	return lo.SomeBy(t.Labels(key), func(label string) bool {
		return strings.EqualFold(text, label)
	})
}

// Contains is Default.Contains.
func Contains(text string, key Key) bool { return Default.Contains(text, key) }

// Equal is Default.Equal.
func Equal(text string, key Key) bool { return Default.Equal(text, key) }

// Labels is Default.Labels.
func Labels(key Key) []string { return Default.Labels(key) }
