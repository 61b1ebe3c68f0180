package mangadex

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/slapelachie/mangadex-dl/pkg/data"
)

var (
	// ErrNotMangaDex is returned for URLs that do not point at mangadex.org.
	ErrNotMangaDex = errors.New("not a MangaDex URL")
	// ErrUnknownResource is returned for mangadex.org URLs that are neither
	// a title nor a chapter.
	ErrUnknownResource = errors.New("unknown MangaDex resource type")
)

// ParseURL resolves a MangaDex URL into a typed series or chapter reference.
//
// Recognized shapes, with or without a scheme and with an optional
// trailing slug:
//
//	https://mangadex.org/title/<uuid>[/<slug>]
//	https://mangadex.org/chapter/<uuid>[/<page>]
func ParseURL(raw string) (data.Reference, error) {
	trimmed := raw
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return data.Reference{}, fmt.Errorf("failed to parse %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return data.Reference{}, fmt.Errorf("%q: %w", raw, ErrNotMangaDex)
	}
	if parsed.Hostname() != "mangadex.org" {
		return data.Reference{}, fmt.Errorf("%q: %w", raw, ErrNotMangaDex)
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 2 {
		return data.Reference{}, fmt.Errorf("%q: %w", raw, ErrUnknownResource)
	}

	var kind data.ReferenceKind
	switch parts[0] {
	case "title":
		kind = data.KindSeries
	case "chapter":
		kind = data.KindChapter
	default:
		return data.Reference{}, fmt.Errorf("%q: %w", raw, ErrUnknownResource)
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return data.Reference{}, fmt.Errorf("%q does not contain a resource UUID: %w", raw, err)
	}

	return data.Reference{Kind: kind, UUID: id.String()}, nil
}
