package archive

import (
	"fmt"

	"github.com/slapelachie/mangadex-dl/pkg/data"
)

// Page is a single downloaded page image, already post-processed.
type Page struct {
	Name string
	Data []byte
}

// Archiver assembles the pages of one chapter into a single file on disk.
// Archive must be atomic from the caller's perspective: implementations
// write to a temporary file and rename it into place only on full success.
type Archiver interface {
	Extension() string
	Archive(path string, series data.Series, chapter data.Chapter, pages []Page) error
}

// ForFormat returns the archiver for a --format value.
func ForFormat(format string) (Archiver, error) {
	switch format {
	case "cbz":
		return CBZ{}, nil
	case "epub":
		return EPUB{}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
}
