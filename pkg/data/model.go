package data

import (
	"fmt"
	"regexp"
	"strings"
)

// ReferenceKind tells what a MangaDex URL pointed at.
type ReferenceKind string

const (
	KindSeries  ReferenceKind = "series"
	KindChapter ReferenceKind = "chapter"
)

// Reference is a parsed MangaDex URL. Immutable once parsed.
type Reference struct {
	Kind ReferenceKind
	UUID string
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.UUID)
}

// Series holds the metadata fetched from /manga/{id}.
type Series struct {
	ID          string
	Title       string
	Description string
	Year        int
	Author      string
	CoverURL    string
}

// Chapter holds the metadata fetched from /chapter/{id}.
type Chapter struct {
	ID       string
	SeriesID string
	Number   float64
	Volume   int
	Title    string
	Language string
}

// Report is the payload sent to the MangaDex network health endpoint
// after an at-home image download.
type Report struct {
	URL      string `json:"url"`
	Success  bool   `json:"success"`
	Bytes    int    `json:"bytes"`
	Cached   bool   `json:"cached"`
	Duration int64  `json:"duration"`
}

var unsafeNameChars = regexp.MustCompile(`[^\w\-_\. ]`)

// SafeName replaces any character that is not a word character, dash,
// underscore, period or space with an underscore, so titles can be used
// as file and directory names.
func SafeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// DirName returns the on-disk name for a chapter: the chapter number
// zero-padded to three digits before the decimal point with any trailing
// ".0" trimmed, a space, then the sanitized title. 2.0 "bar" -> "002 bar",
// 2.5 "foo" -> "002.5 foo".
func (c Chapter) DirName() string {
	number := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%05.1f", c.Number), "0"), ".")
	return fmt.Sprintf("%s %s", number, SafeName(c.Title))
}
