package driver

// DOM selectors of the Flow interface. Class fragments are generated by the
// site's CSS-in-JS build and change between releases; every lookup that uses
// one has a structural fallback.
const (
	SelPromptInput   = "#PINHOLE_TEXT_AREA_ELEMENT_ID"
	SelTextarea      = "textarea"
	SelCombobox      = `button[role="combobox"]`
	SelOption        = `div[role="option"]`
	SelSettingsPopup = `button[aria-haspopup="dialog"]`
	SelButton        = "button"
	SelMenuItem      = `[role="menuitem"]`

	SelResultWrapper = "[data-index][data-item-index]"
	SelVideo         = "video"
	SelReadyImage    = `img[src*="storage.googleapis.com"]`
	SelLongText      = "button, div"

	SelVideoPromptText = `.sc-e6a99d5c-3, .sc-20145656-8, [class*="eVxyTT"], [class*="ihIesb"]`
	SelImagePromptText = `.sc-6349d8ef-10, [class*="eScTfS"], .sc-e6a99d5c-3, [class*="eVxyTT"]`

	SelProgress   = `[class*="iEQNVH"], [class*="percentage"]`
	SelToastTitle = `.sc-f6076f05-2, [data-sonner-toast] [data-title]`
	SelToastIcon  = "[data-sonner-toast] i.google-symbols"
	SelDismiss    = ".sc-f6076f05-0.hDgmZP, button.hDgmZP"
)

const (
	// ReadyMediaHost marks a card whose media finished rendering.
	ReadyMediaHost = "storage.googleapis.com"

	iconSettings = "tune"
	iconGenerate = "arrow_forward"
	iconDownload = "download"
	iconDone     = "check_circle"

	promptMatchPrefix = 40
	minPromptText     = 50
	maxPromptText     = 500
)
