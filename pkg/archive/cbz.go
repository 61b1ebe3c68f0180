package archive

import (
	"archive/zip"
	"fmt"
	"os"

	"github.com/slapelachie/mangadex-dl/pkg/data"
)

// CBZ writes chapters as comic book zip archives with an embedded
// ComicInfo.xml.
type CBZ struct{}

func (CBZ) Extension() string { return ".cbz" }

// Archive writes the pages in order plus one ComicInfo.xml into a zip at
// path. The zip is assembled under a temporary name and renamed into
// place on success, so a crash never leaves a corrupt archive at path.
func (CBZ) Archive(path string, series data.Series, chapter data.Chapter, pages []Page) (err error) {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmp)
		}
	}()

	writer := zip.NewWriter(file)
	for _, page := range pages {
		entry, err := writer.Create(page.Name)
		if err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", page.Name, err)
		}
		if _, err := entry.Write(page.Data); err != nil {
			return fmt.Errorf("failed to write %s to archive: %w", page.Name, err)
		}
	}

	info, err := NewComicInfo(series, chapter, len(pages)).Marshal()
	if err != nil {
		return err
	}
	entry, err := writer.Create("ComicInfo.xml")
	if err != nil {
		return fmt.Errorf("failed to add ComicInfo.xml to archive: %w", err)
	}
	if _, err := entry.Write(info); err != nil {
		return fmt.Errorf("failed to write ComicInfo.xml to archive: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}
