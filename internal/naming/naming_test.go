package naming

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kernel/flowkit/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "simple", in: "a cat", want: "a_cat"},
		{name: "illegal characters", in: `a<b>c:d"e/f\g|h?i*j`, want: "abcdefghij"},
		{name: "whitespace runs", in: "a  \t\n b", want: "a_b"},
		{name: "underscore runs", in: "a___b", want: "a_b"},
		{name: "trims", in: "  _hello_  ", want: "hello"},
		{name: "empty", in: "", want: ""},
		{name: "only illegal", in: "???", want: ""},
		{name: "control characters", in: "a\x00b\x07c", want: "abc"},
		{name: "accents kept", in: "vídeo de gato", want: "vídeo_de_gato"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_Invariants(t *testing.T) {
	inputs := []string{
		"a cat",
		strings.Repeat("long prompt ", 20),
		strings.Repeat("é", 80),
		`weird <chars> "everywhere" / \ | ? *`,
		strings.Repeat("x", 49) + " y",
		"__" + strings.Repeat("ab ", 30),
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "idempotent for %q", in)
		assert.LessOrEqual(t, utf8.RuneCountInString(once), MaxNameLength)
		assert.NotContains(t, once, " ")
		assert.False(t, strings.ContainsAny(once, `<>:"/\|?*`))
		assert.True(t, utf8.ValidString(once))
	}
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "001_a_cat", Basename(0, "a cat"))
	assert.Equal(t, "012_a_dog", Basename(11, "a dog"))
	assert.Equal(t, "1000_x", Basename(999, "x"))

	long := strings.Repeat("word ", 30)
	got := Basename(0, long)
	assert.True(t, strings.HasPrefix(got, "001_word_word"))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 4+MaxNameLength)
}

func TestBasename_DistinctIndexes(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		name := Basename(i, "same prompt")
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "out/001_a_cat.mp4", Filename("out", Basename(0, "a cat"), ExtForKind(model.MediaVideo)))
	assert.Equal(t, "out/002_a_dog.mp4", Filename("out", Basename(1, "a dog"), ExtForKind(model.MediaVideo)))
	assert.Equal(t, "001_a_cat.png", Filename("", "001_a_cat", ExtForKind(model.MediaImage)))
	assert.Equal(t, "flow/001_x.txt", SidecarName("/flow/", "001_x"))
}

func TestCleanSubfolder(t *testing.T) {
	tests := map[string]string{
		"":              "",
		"out":           "out",
		"/out/":         "out",
		"../../etc":     "etc",
		`a\b`:           "a/b",
		"a/./b/../c":    "a/c",
		"  spaced  ":    "spaced",
		"nested/deeper": "nested/deeper",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanSubfolder(in), "input %q", in)
	}
}

func TestDefaultSubfolder(t *testing.T) {
	assert.Equal(t, "flow_03_07", DefaultSubfolder(time.Date(2025, time.March, 7, 10, 0, 0, 0, time.UTC)))
}
