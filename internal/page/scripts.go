package page

import (
	_ "embed"
)

// HelperScript installs window.__flowkit, the DOM helper every CDPPage call
// goes through.
//
//go:embed scripts/flowkit.js
var HelperScript string

// HelperVersion must match the version field set by HelperScript.
const HelperVersion = 1
