package textutil

import (
	"strings"
	"unicode"
)

// fileNameReplacer maps characters that are unsafe on common filesystems.
// Separators become dashes; the rest are dropped.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName makes name safe to use as a single path element. Control
// characters are removed, runs of whitespace collapse to one space and
// leading dots are stripped so the result is never hidden or relative.
func SanitizeFileName(name string) string {
	name = fileNameReplacer.Replace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	return strings.TrimLeft(name, ". ")
}

// CoverName builds the exported name for a cover of song sung by model,
// "<song> (<model> Ver)", or just the song when model is empty.
func CoverName(song, model string) string {
	song = SanitizeFileName(song)
	model = SanitizeFileName(model)
	if model == "" {
		return song
	}
	if song == "" {
		song = "cover"
	}
	return song + " (" + model + " Ver)"
}
