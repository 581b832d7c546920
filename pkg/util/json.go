package util

import (
	"encoding/json"
	"fmt"
	"io"
)

// PrintPrettyJSON writes v to w as indented JSON followed by a newline.
// A nil slice is written as [] so scripted consumers always get an array.
func PrintPrettyJSON(w io.Writer, v any) error {
	if v == nil {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintPrettyJSONSlice writes items as an indented JSON array.
func PrintPrettyJSONSlice[T any](w io.Writer, items []T) error {
	if items == nil {
		items = []T{}
	}
	return PrintPrettyJSON(w, items)
}
