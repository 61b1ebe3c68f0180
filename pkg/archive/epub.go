package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-shiori/go-epub"

	"github.com/slapelachie/mangadex-dl/pkg/data"
)

// EPUB writes chapters as EPUB books, one page image per section.
type EPUB struct{}

func (EPUB) Extension() string { return ".epub" }

func (EPUB) Archive(path string, series data.Series, chapter data.Chapter, pages []Page) error {
	book, err := epub.NewEpub(fmt.Sprintf("%s - %s", series.Title, chapterHeading(chapter)))
	if err != nil {
		return fmt.Errorf("failed to create EPUB: %w", err)
	}

	book.SetAuthor(series.Author)
	if series.Description != "" {
		book.SetDescription(series.Description)
	}
	lang := chapter.Language
	if lang == "" {
		lang = "en"
	}
	book.SetLang(lang)

	// go-epub pulls images from file paths, so the pages are staged in a
	// scratch directory for the duration of the build.
	scratch, err := os.MkdirTemp("", "mangadex-dl-epub-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	var content strings.Builder
	content.WriteString(fmt.Sprintf("<h1>%s</h1>\n", chapterHeading(chapter)))

	for i, page := range pages {
		staged := filepath.Join(scratch, page.Name)
		if err := os.WriteFile(staged, page.Data, 0644); err != nil {
			return fmt.Errorf("failed to stage page %s: %w", page.Name, err)
		}

		internalPath, err := book.AddImage(staged, page.Name)
		if err != nil {
			return fmt.Errorf("failed to add page %s: %w", page.Name, err)
		}

		content.WriteString(fmt.Sprintf(
			`<div class="page"><img src="%s" alt="Page %d" style="width:100%%;height:auto;"/></div>%s`,
			internalPath, i+1, "\n",
		))
	}

	if _, err := book.AddSection(content.String(), chapterHeading(chapter), "", ""); err != nil {
		return fmt.Errorf("failed to add section: %w", err)
	}

	tmp := path + ".tmp"
	if err := book.Write(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write EPUB: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move EPUB into place: %w", err)
	}
	return nil
}

func chapterHeading(chapter data.Chapter) string {
	numbered := fmt.Sprintf("Chapter %s", FormatChapterNumber(chapter.Number))
	heading := numbered
	if chapter.Volume != 0 {
		heading = fmt.Sprintf("Vol. %d, %s", chapter.Volume, heading)
	}
	if chapter.Title != "" && chapter.Title != numbered {
		heading = fmt.Sprintf("%s: %s", heading, chapter.Title)
	}
	return heading
}
