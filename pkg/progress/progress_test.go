package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slapelachie/mangadex-dl/pkg/services"
)

func TestRenderer_Consume(t *testing.T) {
	events := make(chan services.Progress, 4)
	events <- services.Progress{Chapter: "1", Title: "First", CurrentPage: 1, TotalPages: 2, Status: "downloading"}
	events <- services.Progress{Chapter: "1", Title: "First", CurrentPage: 2, TotalPages: 2, Status: "downloading"}
	events <- services.Progress{Chapter: "1", Title: "First", CurrentPage: 2, TotalPages: 2, Status: "complete"}
	close(events)

	var out bytes.Buffer
	NewRenderer(&out).Consume(events)

	rendered := out.String()
	assert.Contains(t, rendered, "1 First")
	assert.Contains(t, rendered, "1/2")
	assert.Contains(t, rendered, "2/2")
	assert.Contains(t, rendered, "done")
}

func TestRenderer_ErrorLine(t *testing.T) {
	events := make(chan services.Progress, 1)
	events <- services.Progress{Chapter: "4", Status: "error", Err: assert.AnError}
	close(events)

	var out bytes.Buffer
	NewRenderer(&out).Consume(events)

	assert.Contains(t, out.String(), "failed:")
}

func TestChapterLabel(t *testing.T) {
	assert.Equal(t, "2.5 Extra", chapterLabel(services.Progress{Chapter: "2.5", Title: "Extra"}))
	assert.Equal(t, "2.5", chapterLabel(services.Progress{Chapter: "2.5"}))
	assert.Equal(t, "Some Series", chapterLabel(services.Progress{SeriesTitle: "Some Series"}))
}
