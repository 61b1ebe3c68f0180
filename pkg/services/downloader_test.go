package services

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapelachie/mangadex-dl/pkg/archive"
	"github.com/slapelachie/mangadex-dl/pkg/data"
	"github.com/slapelachie/mangadex-dl/pkg/mangadex"
)

type mockAPI struct {
	seriesFunc       func(ctx context.Context, seriesID string) (data.Series, error)
	volumesFunc      func(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error)
	chapterFunc      func(ctx context.Context, chapterID string) (data.Chapter, error)
	pageURLsFunc     func(ctx context.Context, chapterID string) ([]string, error)
	coverVolumesFunc func(ctx context.Context, seriesID string) (map[string]string, error)
	getImageFunc     func(ctx context.Context, url string) ([]byte, error)
}

func (m *mockAPI) Series(ctx context.Context, seriesID string) (data.Series, error) {
	if m.seriesFunc != nil {
		return m.seriesFunc(ctx, seriesID)
	}
	return data.Series{ID: seriesID, Title: "Test Series", Year: 2020, Author: "Author"}, nil
}

func (m *mockAPI) Volumes(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error) {
	if m.volumesFunc != nil {
		return m.volumesFunc(ctx, seriesID, language)
	}
	return nil, nil
}

func (m *mockAPI) Chapter(ctx context.Context, chapterID string) (data.Chapter, error) {
	if m.chapterFunc != nil {
		return m.chapterFunc(ctx, chapterID)
	}
	return data.Chapter{ID: chapterID, SeriesID: "series-1", Number: 1, Title: "First", Language: "en"}, nil
}

func (m *mockAPI) PageURLs(ctx context.Context, chapterID string) ([]string, error) {
	if m.pageURLsFunc != nil {
		return m.pageURLsFunc(ctx, chapterID)
	}
	return nil, nil
}

func (m *mockAPI) CoverVolumes(ctx context.Context, seriesID string) (map[string]string, error) {
	if m.coverVolumesFunc != nil {
		return m.coverVolumesFunc(ctx, seriesID)
	}
	return nil, nil
}

func (m *mockAPI) CoverURL(seriesID, fileName string) string {
	return fmt.Sprintf("https://uploads.test/covers/%s/%s.512.jpg", seriesID, fileName)
}

func (m *mockAPI) GetImage(ctx context.Context, url string) ([]byte, error) {
	if m.getImageFunc != nil {
		return m.getImageFunc(ctx, url)
	}
	return nil, fmt.Errorf("unexpected image request: %s", url)
}

func newTestDownloader(t *testing.T, api API, opts Options) (*Downloader, *data.Cache) {
	t.Helper()
	if opts.OutDirectory == "" {
		opts.OutDirectory = t.TempDir()
	}
	cache, err := data.LoadCache(filepath.Join(t.TempDir(), "downloaded.txt"))
	require.NoError(t, err)
	downloader := NewDownloader(api, cache, archive.CBZ{}, opts)
	t.Cleanup(downloader.Close)
	return downloader, cache
}

func pageImage(t *testing.T) []byte {
	t.Helper()
	return encodePNG(t, 10, 10)
}

func TestDownloader_DownloadChapter(t *testing.T) {
	outDir := t.TempDir()
	img := pageImage(t)

	api := &mockAPI{
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/1.jpg", "u/2.jpg", "u/3.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			return img, nil
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{OutDirectory: outDir})

	require.NoError(t, downloader.DownloadChapter(context.Background(), "ch-1"))

	path := filepath.Join(outDir, "Test Series", "001 First.cbz")
	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var names []string
	for _, file := range reader.File {
		names = append(names, file.Name)
	}
	assert.Equal(t, []string{"001.jpg", "002.jpg", "003.jpg", "ComicInfo.xml"}, names)

	assert.True(t, cache.Contains("ch-1"))
}

func TestDownloader_DownloadChapter_SkipsCached(t *testing.T) {
	api := &mockAPI{
		chapterFunc: func(ctx context.Context, chapterID string) (data.Chapter, error) {
			t.Fatal("cached chapter must not hit the API")
			return data.Chapter{}, nil
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{})
	require.NoError(t, cache.Add("ch-1"))

	require.NoError(t, downloader.DownloadChapter(context.Background(), "ch-1"))
}

func TestDownloader_DownloadChapter_OverrideRedownloads(t *testing.T) {
	outDir := t.TempDir()
	img := pageImage(t)

	api := &mockAPI{
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			return img, nil
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{OutDirectory: outDir, Override: true})
	require.NoError(t, cache.Add("ch-1"))

	require.NoError(t, downloader.DownloadChapter(context.Background(), "ch-1"))

	_, err := os.Stat(filepath.Join(outDir, "Test Series", "001 First.cbz"))
	assert.NoError(t, err)
}

func TestDownloader_DownloadChapter_FailedImage(t *testing.T) {
	outDir := t.TempDir()

	attempts := 0
	api := &mockAPI{
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			attempts++
			return nil, fmt.Errorf("connection reset")
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{OutDirectory: outDir})

	err := downloader.DownloadChapter(context.Background(), "ch-1")
	require.Error(t, err)

	// Retried the bounded number of times, then gave up.
	assert.Equal(t, pageAttempts, attempts)

	// No archive and no cache entry for the failed chapter.
	entries, readErr := os.ReadDir(filepath.Join(outDir, "Test Series"))
	require.NoError(t, readErr)
	assert.Empty(t, entries)
	assert.False(t, cache.Contains("ch-1"))
}

func TestDownloader_DownloadSeries_ContinuesAfterFailure(t *testing.T) {
	outDir := t.TempDir()
	img := pageImage(t)

	api := &mockAPI{
		volumesFunc: func(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error) {
			return []mangadex.ChapterGroup{
				{Volume: "1", Chapter: "1", IDs: []string{"ch-1"}},
				{Volume: "1", Chapter: "2", IDs: []string{"ch-2"}},
			}, nil
		},
		chapterFunc: func(ctx context.Context, chapterID string) (data.Chapter, error) {
			number := 1.0
			title := "First"
			if chapterID == "ch-2" {
				number = 2.0
				title = "Second"
			}
			return data.Chapter{ID: chapterID, SeriesID: "series-1", Number: number, Title: title, Language: "en"}, nil
		},
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/" + chapterID + "/1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			if url == "u/ch-1/1.jpg" {
				return nil, fmt.Errorf("node unavailable")
			}
			return img, nil
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{OutDirectory: outDir})

	err := downloader.DownloadSeries(context.Background(), "series-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 chapters failed")

	// The failed chapter left nothing behind.
	_, statErr := os.Stat(filepath.Join(outDir, "Test Series", "001 First.cbz"))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, cache.Contains("ch-1"))

	// The second chapter still completed.
	_, statErr = os.Stat(filepath.Join(outDir, "Test Series", "002 Second.cbz"))
	assert.NoError(t, statErr)
	assert.True(t, cache.Contains("ch-2"))
}

func TestDownloader_DownloadSeries_SkipsCachedGroups(t *testing.T) {
	img := pageImage(t)

	var downloaded []string
	api := &mockAPI{
		volumesFunc: func(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error) {
			return []mangadex.ChapterGroup{
				{Volume: "1", Chapter: "1", IDs: []string{"ch-1-main", "ch-1-alt"}},
				{Volume: "1", Chapter: "2", IDs: []string{"ch-2"}},
			}, nil
		},
		chapterFunc: func(ctx context.Context, chapterID string) (data.Chapter, error) {
			return data.Chapter{ID: chapterID, SeriesID: "series-1", Number: 2, Title: "Second", Language: "en"}, nil
		},
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			downloaded = append(downloaded, chapterID)
			return []string{"u/1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			return img, nil
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{})

	// A duplicate upload of chapter 1 is already recorded; the whole group
	// must be skipped.
	require.NoError(t, cache.Add("ch-1-alt"))

	require.NoError(t, downloader.DownloadSeries(context.Background(), "series-1"))
	assert.Equal(t, []string{"ch-2"}, downloaded)
}

func TestDownloader_DownloadSeries_Cover(t *testing.T) {
	outDir := t.TempDir()
	img := pageImage(t)

	var fetched []string
	api := &mockAPI{
		volumesFunc: func(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error) {
			return []mangadex.ChapterGroup{
				{Volume: "1", Chapter: "1", IDs: []string{"ch-1"}},
				{Volume: "2", Chapter: "2", IDs: []string{"ch-2"}},
			}, nil
		},
		coverVolumesFunc: func(ctx context.Context, seriesID string) (map[string]string, error) {
			return map[string]string{"1": "vol1.jpg", "2": "vol2.jpg"}, nil
		},
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			fetched = append(fetched, url)
			return img, nil
		},
	}
	downloader, _ := newTestDownloader(t, api, Options{OutDirectory: outDir, DownloadCover: true})

	require.NoError(t, downloader.DownloadSeries(context.Background(), "series-1"))

	_, err := os.Stat(filepath.Join(outDir, "Test Series", "cover.jpg"))
	assert.NoError(t, err)

	// The newest volume's cover wins over volume 1's.
	require.NotEmpty(t, fetched)
	assert.Equal(t, "https://uploads.test/covers/series-1/vol2.jpg.512.jpg", fetched[0])
}

func TestDownloader_DownloadSeries_CoverFallsBackToSeriesArt(t *testing.T) {
	outDir := t.TempDir()
	img := pageImage(t)

	var fetched []string
	api := &mockAPI{
		seriesFunc: func(ctx context.Context, seriesID string) (data.Series, error) {
			return data.Series{
				ID:       seriesID,
				Title:    "Test Series",
				CoverURL: "https://uploads.test/covers/series-1/main.jpg.512.jpg",
			}, nil
		},
		coverVolumesFunc: func(ctx context.Context, seriesID string) (map[string]string, error) {
			return nil, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			fetched = append(fetched, url)
			return img, nil
		},
	}
	downloader, _ := newTestDownloader(t, api, Options{OutDirectory: outDir, DownloadCover: true})

	require.NoError(t, downloader.DownloadSeries(context.Background(), "series-1"))

	_, err := os.Stat(filepath.Join(outDir, "Test Series", "cover.jpg"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"https://uploads.test/covers/series-1/main.jpg.512.jpg"}, fetched)
}

func TestDownloader_DownloadSeries_SkipsExternalChapters(t *testing.T) {
	api := &mockAPI{
		volumesFunc: func(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error) {
			return []mangadex.ChapterGroup{
				{Volume: "1", Chapter: "1", IDs: []string{"ch-ext"}},
			}, nil
		},
		chapterFunc: func(ctx context.Context, chapterID string) (data.Chapter, error) {
			return data.Chapter{}, fmt.Errorf("chapter %s: %w", chapterID, mangadex.ErrExternalChapter)
		},
	}
	downloader, _ := newTestDownloader(t, api, Options{})

	// An external chapter is not an error, it is simply not downloadable.
	require.NoError(t, downloader.DownloadSeries(context.Background(), "series-1"))
}

type failingArchiver struct{}

func (failingArchiver) Extension() string { return ".cbz" }

func (failingArchiver) Archive(string, data.Series, data.Chapter, []archive.Page) error {
	return fmt.Errorf("disk full")
}

func TestDownloader_NoCacheEntryWithoutArchive(t *testing.T) {
	img := pageImage(t)

	api := &mockAPI{
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			return img, nil
		},
	}
	cache, err := data.LoadCache(filepath.Join(t.TempDir(), "downloaded.txt"))
	require.NoError(t, err)

	downloader := NewDownloader(api, cache, failingArchiver{}, Options{OutDirectory: t.TempDir()})
	defer downloader.Close()

	require.Error(t, downloader.DownloadChapter(context.Background(), "ch-1"))
	assert.False(t, cache.Contains("ch-1"))
}

func TestDownloader_ProgressEvents(t *testing.T) {
	img := pageImage(t)

	api := &mockAPI{
		pageURLsFunc: func(ctx context.Context, chapterID string) ([]string, error) {
			return []string{"u/1.jpg", "u/2.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			return img, nil
		},
	}
	downloader, _ := newTestDownloader(t, api, Options{})

	require.NoError(t, downloader.DownloadChapter(context.Background(), "ch-1"))

	var statuses []string
	for {
		select {
		case event := <-downloader.ProgressChannel():
			statuses = append(statuses, event.Status)
			if event.Status == "complete" {
				assert.Equal(t, 2, event.TotalPages)
				return
			}
		default:
			t.Fatalf("no complete event seen, got %v", statuses)
		}
	}
}

func TestDownloader_ChapterCovers(t *testing.T) {
	outDir := t.TempDir()
	img := pageImage(t)

	var fetched []string
	api := &mockAPI{
		volumesFunc: func(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error) {
			return []mangadex.ChapterGroup{
				{Volume: "1", Chapter: "1", IDs: []string{"ch-1"}},
				{Volume: "1", Chapter: "2", IDs: []string{"ch-2"}},
			}, nil
		},
		chapterFunc: func(ctx context.Context, chapterID string) (data.Chapter, error) {
			number := 1.0
			if chapterID == "ch-2" {
				number = 2.0
			}
			return data.Chapter{ID: chapterID, SeriesID: "series-1", Number: number, Volume: 1, Title: "T", Language: "en"}, nil
		},
		coverVolumesFunc: func(ctx context.Context, seriesID string) (map[string]string, error) {
			return map[string]string{"1": "vol1.jpg"}, nil
		},
		getImageFunc: func(ctx context.Context, url string) ([]byte, error) {
			fetched = append(fetched, url)
			return img, nil
		},
	}
	downloader, cache := newTestDownloader(t, api, Options{OutDirectory: outDir})

	// Covers are only fetched for chapters that were already archived.
	require.NoError(t, cache.Add("ch-1"))
	require.NoError(t, cache.Add("ch-2"))

	ref := data.Reference{Kind: data.KindSeries, UUID: "series-1"}
	require.NoError(t, downloader.DownloadChapterCovers(context.Background(), ref))

	_, err := os.Stat(filepath.Join(outDir, "Test Series", "001 T.jpg"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "Test Series", "002 T.jpg"))
	assert.NoError(t, err)

	// Both chapters share volume 1, the cover is fetched once.
	assert.Len(t, fetched, 1)
}
