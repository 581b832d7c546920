// Package driver implements the Flow page automation protocol: choosing the
// generation mode, configuring settings, submitting a prompt, finding the
// resulting card and walking its download menu.
package driver

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/locale"
	"github.com/kernel/flowkit/internal/model"
	"github.com/kernel/flowkit/internal/page"
	"github.com/kernel/flowkit/internal/poll"
)

// Quality selects the entry of a card's download menu.
type Quality string

const (
	QualityVideoOriginal Quality = "720p"
	QualityVideoUpscaled Quality = "1080p"
	QualityImage1K       Quality = "1k"
	QualityImage2K       Quality = "2k"
	QualityImage4K       Quality = "4k"
)

// ImageQuality maps an image resolution to its download entry.
func ImageQuality(res model.ImageResolution) Quality {
	switch res {
	case model.Resolution2K:
		return QualityImage2K
	case model.Resolution4K:
		return QualityImage4K
	default:
		return QualityImage1K
	}
}

var qualityLabels = map[Quality]locale.Key{
	QualityVideoOriginal: locale.VideoOriginal,
	QualityVideoUpscaled: locale.VideoUpscaled,
	QualityImage1K:       locale.Image1K,
	QualityImage2K:       locale.Image2K,
	QualityImage4K:       locale.Image4K,
}

// PageDriver is the capability set the page agent needs from the Flow page.
// Every step degrades through fallback lookups; false means the step could
// not be performed, an error means the page could not be reached.
type PageDriver interface {
	SelectMode(ctx context.Context, mode model.Mode) (bool, error)
	ConfigureSettings(ctx context.Context, aspect model.AspectRatio) (bool, error)
	FillPrompt(ctx context.Context, text string) (bool, error)
	Submit(ctx context.Context) (bool, error)
	Cards(ctx context.Context, prompt string, mode model.Mode) ([]model.ResultCard, error)
	CountReady(ctx context.Context, prompt string, mode model.Mode) (int, error)
	WaitForNewResult(ctx context.Context, prompt string, existingReady int, timeout time.Duration, mode model.Mode) (*model.ResultCard, error)
	DownloadFromCard(ctx context.Context, card model.ResultCard, quality Quality) (bool, error)
	WaitForUpscaleComplete(ctx context.Context, timeout time.Duration) (bool, error)
	Dismiss(ctx context.Context) (bool, error)
}

// Registrar is told about a download URL before the click that starts it.
type Registrar interface {
	RegisterDownload(ctx context.Context, url string, kind model.MediaKind) error
}

// Options configures a Driver.
type Options struct {
	Labels    locale.Table
	Clock     poll.Clock
	Logger    *pterm.Logger
	Registrar Registrar
}

// Driver implements PageDriver on top of a page.Page.
type Driver struct {
	page      page.Page
	labels    locale.Table
	clock     poll.Clock
	log       *pterm.Logger
	registrar Registrar
}

var _ PageDriver = (*Driver)(nil)

// New returns a Driver for p.
func New(p page.Page, opts Options) *Driver {
	d := &Driver{
		page:      p,
		labels:    opts.Labels,
		clock:     opts.Clock,
		log:       opts.Logger,
		registrar: opts.Registrar,
	}
	if d.labels == nil {
		d.labels = locale.Default
	}
	if d.clock == nil {
		d.clock = poll.RealClock
	}
	if d.log == nil {
		d.log = &pterm.DefaultLogger
	}
	return d
}

// SetRegistrar replaces the download registrar.
func (d *Driver) SetRegistrar(r Registrar) {
	d.registrar = r
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) error {
	return poll.Sleep(ctx, d.clock, dur)
}

func (d *Driver) SelectMode(ctx context.Context, mode model.Mode) (bool, error) {
	key := locale.ModeVideo
	if mode == model.ModeImage {
		key = locale.ModeImage
	}
	combobox, err := page.First(ctx, d.page, "", SelCombobox)
	if err != nil {
		return false, err
	}
	if combobox == nil {
		d.log.Warn("mode selector not found")
		return false, nil
	}
	if err := d.page.Click(ctx, combobox.Ref); err != nil {
		return false, err
	}
	if err := d.sleep(ctx, 500*time.Millisecond); err != nil {
		return false, err
	}

	options, err := d.page.QueryAll(ctx, "", SelOption)
	if err != nil {
		return false, err
	}
	for _, opt := range options {
		if d.labels.Contains(opt.InnerText, key) {
			if err := d.page.Click(ctx, opt.Ref); err != nil {
				return false, err
			}
			d.log.Debug("mode selected", d.log.Args("option", opt.InnerText))
			return true, d.sleep(ctx, 300*time.Millisecond)
		}
	}
	return false, d.page.ClickBody(ctx)
}

func (d *Driver) ConfigureSettings(ctx context.Context, aspect model.AspectRatio) (bool, error) {
	settings, err := d.findButton(ctx, "", func(b page.Element) bool {
		return strings.Contains(b.Icon, iconSettings)
	})
	if err != nil {
		return false, err
	}
	if settings == nil {
		if settings, err = page.First(ctx, d.page, "", SelSettingsPopup); err != nil {
			return false, err
		}
	}
	if settings == nil {
		d.log.Warn("settings button not found")
		return false, nil
	}
	if err := d.page.Click(ctx, settings.Ref); err != nil {
		return false, err
	}
	if err := d.sleep(ctx, 500*time.Millisecond); err != nil {
		return false, err
	}

	if _, err := d.selectDropdown(ctx, locale.DropdownOutputs, []string{"1"}); err != nil {
		return false, err
	}
	if err := d.sleep(ctx, 300*time.Millisecond); err != nil {
		return false, err
	}

	if aspect != "" {
		values := d.labels.Labels(aspectKey(aspect))
		if len(values) == 0 {
			values = []string{string(aspect)}
		}
		if _, err := d.selectDropdown(ctx, locale.DropdownAspect, values); err != nil {
			return false, err
		}
		if err := d.sleep(ctx, 300*time.Millisecond); err != nil {
			return false, err
		}
	}

	if err := d.page.ClickBody(ctx); err != nil {
		return false, err
	}
	return true, d.sleep(ctx, 200*time.Millisecond)
}

func aspectKey(a model.AspectRatio) locale.Key {
	if a == model.AspectPortrait {
		return locale.AspectPortrait
	}
	return locale.AspectLandscape
}

// selectDropdown opens the combobox labelled by label and picks the first
// option equal to, then containing, one of values.
func (d *Driver) selectDropdown(ctx context.Context, label locale.Key, values []string) (bool, error) {
	comboboxes, err := d.page.QueryAll(ctx, "", SelCombobox)
	if err != nil {
		return false, err
	}
	var target *page.Element
	for i, cb := range comboboxes {
		if d.labels.Contains(cb.ParentText, label) || d.labels.Contains(cb.InnerText, label) {
			target = &comboboxes[i]
			break
		}
	}
	if target == nil {
		d.log.Debug("dropdown not found", d.log.Args("label", string(label)))
		return false, nil
	}
	if err := d.page.Click(ctx, target.Ref); err != nil {
		return false, err
	}
	if err := d.sleep(ctx, 400*time.Millisecond); err != nil {
		return false, err
	}

	options, err := d.page.QueryAll(ctx, "", SelOption)
	if err != nil {
		return false, err
	}
	matchers := []func(text, v string) bool{
		func(text, v string) bool { return text == v },
		strings.Contains,
	}
	for _, match := range matchers {
		for _, opt := range options {
			for _, v := range values {
				if match(opt.InnerText, v) {
					return true, d.page.Click(ctx, opt.Ref)
				}
			}
		}
	}
	return false, d.page.ClickBody(ctx)
}

func (d *Driver) FillPrompt(ctx context.Context, text string) (bool, error) {
	input, err := page.First(ctx, d.page, "", SelPromptInput)
	if err != nil {
		return false, err
	}
	if input == nil {
		areas, err := d.page.QueryAll(ctx, "", SelTextarea)
		if err != nil {
			return false, err
		}
		for i := range areas {
			if areas[i].Visible {
				input = &areas[i]
				break
			}
		}
	}
	if input == nil {
		return false, nil
	}
	if err := d.page.SetValue(ctx, input.Ref, text); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) Submit(ctx context.Context) (bool, error) {
	clickable := func(b page.Element) bool { return b.Visible && !b.Disabled }
	btn, err := d.findButton(ctx, "", func(b page.Element) bool {
		return strings.Contains(b.Icon, iconGenerate) && clickable(b)
	})
	if err != nil {
		return false, err
	}
	if btn == nil {
		btn, err = d.findButton(ctx, "", func(b page.Element) bool {
			return d.labels.Contains(b.Text, locale.Generate) && clickable(b)
		})
		if err != nil {
			return false, err
		}
	}
	if btn == nil {
		return false, nil
	}
	return true, d.page.Click(ctx, btn.Ref)
}

func (d *Driver) findButton(ctx context.Context, scope string, match func(page.Element) bool) (*page.Element, error) {
	buttons, err := d.page.QueryAll(ctx, scope, SelButton)
	if err != nil {
		return nil, err
	}
	for i := range buttons {
		if match(buttons[i]) {
			return &buttons[i], nil
		}
	}
	return nil, nil
}

func (d *Driver) Cards(ctx context.Context, prompt string, mode model.Mode) ([]model.ResultCard, error) {
	wrappers, err := d.page.QueryAll(ctx, "", SelResultWrapper)
	if err != nil {
		return nil, err
	}
	target := normalize(prompt)
	head := prefix(target, promptMatchPrefix)

	mediaSel, textSel := SelVideo, SelVideoPromptText
	if mode == model.ModeImage {
		mediaSel, textSel = SelReadyImage, SelImagePromptText
	}

	var cards []model.ResultCard
	for _, w := range wrappers {
		media, err := page.First(ctx, d.page, w.Ref, mediaSel)
		if errors.Is(err, page.ErrStaleRef) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if media == nil {
			continue
		}
		text, err := d.cardPromptText(ctx, w.Ref, textSel)
		if errors.Is(err, page.ErrStaleRef) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if text == "" || (text != target && !strings.Contains(text, head)) {
			continue
		}
		src := media.Attr("src")
		cards = append(cards, model.ResultCard{
			Ref:        w.Ref,
			Marker:     parseMarker(w.Attr("data-index")),
			Ready:      strings.Contains(src, ReadyMediaHost),
			PromptText: text,
			MediaURL:   src,
			Kind:       mode.Kind(),
		})
	}
	sort.SliceStable(cards, func(i, j int) bool { return cards[i].Marker < cards[j].Marker })
	return cards, nil
}

func (d *Driver) cardPromptText(ctx context.Context, scope, textSel string) (string, error) {
	el, err := page.First(ctx, d.page, scope, textSel)
	if err != nil {
		return "", err
	}
	if el != nil {
		return normalize(el.Text), nil
	}
	all, err := d.page.QueryAll(ctx, scope, SelLongText)
	if err != nil {
		return "", err
	}
	for _, e := range all {
		n := len([]rune(e.Text))
		if n > minPromptText && n < maxPromptText {
			return normalize(e.Text), nil
		}
	}
	return "", nil
}

func (d *Driver) CountReady(ctx context.Context, prompt string, mode model.Mode) (int, error) {
	cards, err := d.Cards(ctx, prompt, mode)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cards {
		if c.Ready {
			n++
		}
	}
	return n, nil
}

var percentText = regexp.MustCompile(`^\d+%$`)

func (d *Driver) WaitForNewResult(ctx context.Context, prompt string, existingReady int, timeout time.Duration, mode model.Mode) (*model.ResultCard, error) {
	const settle = 1500 * time.Millisecond
	if err := d.sleep(ctx, settle); err != nil {
		return nil, err
	}
	card, found, err := poll.Until(ctx, d.clock, time.Second, timeout-settle, func(ctx context.Context) (*model.ResultCard, bool, error) {
		if pct := d.progressText(ctx); pct != "" {
			d.log.Debug("generation in progress", d.log.Args("progress", pct))
		}
		cards, err := d.Cards(ctx, prompt, mode)
		if err != nil {
			return nil, false, err
		}
		var ready []model.ResultCard
		for _, c := range cards {
			if c.Ready {
				ready = append(ready, c)
			}
		}
		if len(ready) > existingReady {
			return &ready[0], true, nil
		}
		return nil, false, nil
	})
	if err != nil || !found {
		return nil, err
	}
	d.log.Debug("new result ready", d.log.Args("marker", card.Marker))
	return card, d.sleep(ctx, 500*time.Millisecond)
}

func (d *Driver) progressText(ctx context.Context) string {
	els, err := d.page.QueryAll(ctx, "", SelProgress)
	if err != nil {
		return ""
	}
	for _, el := range els {
		if percentText.MatchString(el.Text) {
			return el.Text
		}
	}
	return ""
}

func (d *Driver) DownloadFromCard(ctx context.Context, card model.ResultCard, quality Quality) (bool, error) {
	mediaSel := SelVideo
	if card.Kind == model.MediaImage {
		mediaSel = SelReadyImage
	}
	media, err := page.First(ctx, d.page, card.Ref, mediaSel)
	if err != nil {
		return false, err
	}

	url := card.MediaURL
	if media != nil && media.Attr("src") != "" {
		url = media.Attr("src")
	}
	if url != "" && d.registrar != nil {
		if err := d.registrar.RegisterDownload(ctx, url, card.Kind); err != nil {
			d.log.Warn("failed to register download", d.log.Args("error", err))
		}
	}

	if media != nil {
		if err := d.page.Hover(ctx, media.Ref); err != nil && !errors.Is(err, page.ErrStaleRef) {
			return false, err
		}
		if err := d.sleep(ctx, 300*time.Millisecond); err != nil {
			return false, err
		}
	}

	btn, err := d.downloadButton(ctx, card.Ref)
	if err != nil {
		return false, err
	}
	if btn == nil {
		d.log.Warn("download button not found", d.log.Args("kind", string(card.Kind)))
		return false, nil
	}
	if err := d.page.Click(ctx, btn.Ref); err != nil {
		return false, err
	}

	menuWait := time.Second
	if card.Kind == model.MediaImage {
		menuWait = 800 * time.Millisecond
	}
	if err := d.sleep(ctx, menuWait); err != nil {
		return false, err
	}
	items, err := d.page.QueryAll(ctx, "", SelMenuItem)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		if err := d.sleep(ctx, 500*time.Millisecond); err != nil {
			return false, err
		}
		if items, err = d.page.QueryAll(ctx, "", SelMenuItem); err != nil {
			return false, err
		}
	}
	if len(items) == 0 {
		// Videos without a quality menu start downloading on the first click.
		return card.Kind == model.MediaVideo, nil
	}

	item := d.pickMenuItem(items, card.Kind, quality)
	if item == nil {
		return false, nil
	}
	d.log.Debug("download entry chosen", d.log.Args("entry", item.Text))
	if err := d.page.Click(ctx, item.Ref); err != nil {
		return false, err
	}
	return true, d.sleep(ctx, 500*time.Millisecond)
}

func (d *Driver) downloadButton(ctx context.Context, scope string) (*page.Element, error) {
	buttons, err := d.page.QueryAll(ctx, scope, SelButton)
	if err != nil {
		return nil, err
	}
	isDownload := func(b page.Element) bool {
		return strings.Contains(strings.ToLower(b.Icon), iconDownload) || d.labels.Equal(b.Span, locale.Download)
	}
	var fallback *page.Element
	for i := range buttons {
		if !isDownload(buttons[i]) {
			continue
		}
		if buttons[i].Attr("aria-haspopup") == "menu" {
			return &buttons[i], nil
		}
		if fallback == nil {
			fallback = &buttons[i]
		}
	}
	return fallback, nil
}

// pickMenuItem walks the fallback chain: the requested quality, the 720p
// entry when 1080p is missing, the second entry (the first is the GIF export
// on video cards), then the first entry.
func (d *Driver) pickMenuItem(items []page.Element, kind model.MediaKind, quality Quality) *page.Element {
	find := func(key locale.Key) *page.Element {
		for i := range items {
			if d.labels.Contains(items[i].Text, key) {
				return &items[i]
			}
		}
		return nil
	}
	if key, ok := qualityLabels[quality]; ok {
		if it := find(key); it != nil {
			return it
		}
	}
	if kind == model.MediaVideo {
		if quality == QualityVideoUpscaled {
			if it := find(locale.VideoOriginal); it != nil {
				return it
			}
		}
		if len(items) >= 2 {
			return &items[1]
		}
	}
	if len(items) >= 1 {
		return &items[0]
	}
	return nil
}

func (d *Driver) WaitForUpscaleComplete(ctx context.Context, timeout time.Duration) (bool, error) {
	_, done, err := poll.Until(ctx, d.clock, 2*time.Second, timeout, func(ctx context.Context) (struct{}, bool, error) {
		toasts, err := d.page.QueryAll(ctx, "", SelToastTitle)
		if err != nil {
			return struct{}{}, false, err
		}
		for _, t := range toasts {
			if d.labels.Contains(t.Text, locale.UpscaleComplete) {
				return struct{}{}, true, nil
			}
			if d.labels.Contains(t.Text, locale.UpscaleRunning) {
				d.log.Debug("upscale in progress")
			}
		}
		icon, err := page.First(ctx, d.page, "", SelToastIcon)
		if err != nil {
			return struct{}{}, false, err
		}
		return struct{}{}, icon != nil && strings.Contains(icon.Text, iconDone), nil
	})
	if err != nil || !done {
		return false, err
	}
	return true, d.sleep(ctx, 500*time.Millisecond)
}

func (d *Driver) Dismiss(ctx context.Context) (bool, error) {
	if err := d.sleep(ctx, 500*time.Millisecond); err != nil {
		return false, err
	}
	btn, err := page.First(ctx, d.page, "", SelDismiss)
	if err != nil {
		return false, err
	}
	if btn == nil {
		if btn, err = d.findButton(ctx, "", func(b page.Element) bool {
			return d.labels.Equal(b.Text, locale.Dismiss)
		}); err != nil {
			return false, err
		}
	}
	if btn == nil {
		d.log.Debug("dismiss button not found")
		return false, nil
	}
	if err := d.page.Click(ctx, btn.Ref); err != nil {
		return false, err
	}
	return true, d.sleep(ctx, 300*time.Millisecond)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

// parseMarker reads a card position; unparsable markers sort last.
func parseMarker(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return model.MissingMarker
	}
	return n
}
