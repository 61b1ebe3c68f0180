package progress

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/slapelachie/mangadex-dl/pkg/services"
)

var (
	labelStyle    = lipgloss.NewStyle().Bold(true)
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Renderer draws per-chapter download progress in place on a terminal
// line. It consumes the downloader's progress events; finished and failed
// chapters each get their own line.
type Renderer struct {
	out       io.Writer
	bar       progress.Model
	lastWidth int
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{
		out: out,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

// Consume renders events until the channel closes.
func (r *Renderer) Consume(events <-chan services.Progress) {
	for event := range events {
		r.render(event)
	}
	r.clearLine()
}

func (r *Renderer) render(event services.Progress) {
	label := labelStyle.Render(chapterLabel(event))

	switch event.Status {
	case "downloading", "archiving":
		var bar string
		if event.TotalPages > 0 {
			percent := float64(event.CurrentPage) / float64(event.TotalPages)
			bar = fmt.Sprintf("%s %d/%d", r.bar.ViewAs(percent), event.CurrentPage, event.TotalPages)
		}
		if event.Status == "archiving" {
			bar += " archiving..."
		}
		r.redrawLine(fmt.Sprintf("%s %s", label, bar))
	case "complete":
		r.clearLine()
		fmt.Fprintf(r.out, "%s %s\n", label, completeStyle.Render("done"))
	case "skipped":
		r.clearLine()
		fmt.Fprintf(r.out, "%s %s\n", label, "already downloaded, skipped")
	case "error":
		r.clearLine()
		fmt.Fprintf(r.out, "%s %s\n", label, errorStyle.Render(fmt.Sprintf("failed: %v", event.Err)))
	}
}

// redrawLine repaints the in-place status line, padding over any residue
// from a longer previous line.
func (r *Renderer) redrawLine(line string) {
	width := lipgloss.Width(line)
	padding := ""
	if width < r.lastWidth {
		padding = strings.Repeat(" ", r.lastWidth-width)
	}
	fmt.Fprintf(r.out, "\r%s%s", line, padding)
	r.lastWidth = width
}

func (r *Renderer) clearLine() {
	if r.lastWidth == 0 {
		return
	}
	fmt.Fprintf(r.out, "\r%s\r", strings.Repeat(" ", r.lastWidth))
	r.lastWidth = 0
}

func chapterLabel(event services.Progress) string {
	switch {
	case event.Chapter != "" && event.Title != "":
		return fmt.Sprintf("%s %s", event.Chapter, event.Title)
	case event.Chapter != "":
		return event.Chapter
	default:
		return event.SeriesTitle
	}
}
