package util

import "unicode/utf8"

// MaxPreviewSize is the default body preview size (4KB).
const MaxPreviewSize = 4 * 1024

// TruncateBody caps data at maxSize bytes and appends "...(truncated)" when it
// cut anything. The cut never splits a UTF-8 sequence. If maxSize <= 0,
// MaxPreviewSize is used.
func TruncateBody(data string, maxSize int) string {
	if maxSize <= 0 {
		maxSize = MaxPreviewSize
	}
	if len(data) <= maxSize {
		return data
	}
	cut := maxSize
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return data[:cut] + "...(truncated)"
}
