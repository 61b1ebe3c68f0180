package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/slapelachie/mangadex-dl/pkg/archive"
	"github.com/slapelachie/mangadex-dl/pkg/data"
	"github.com/slapelachie/mangadex-dl/pkg/mangadex"
)

const (
	// pageWorkers bounds parallel page downloads within a chapter so the
	// shared rate limiter stays effective.
	pageWorkers = 5
	// pageAttempts bounds retries for a single page image.
	pageAttempts = 5
)

// API is the slice of the MangaDex client the downloader needs.
type API interface {
	Series(ctx context.Context, seriesID string) (data.Series, error)
	Volumes(ctx context.Context, seriesID, language string) ([]mangadex.ChapterGroup, error)
	Chapter(ctx context.Context, chapterID string) (data.Chapter, error)
	PageURLs(ctx context.Context, chapterID string) ([]string, error)
	CoverVolumes(ctx context.Context, seriesID string) (map[string]string, error)
	CoverURL(seriesID, fileName string) string
	GetImage(ctx context.Context, url string) ([]byte, error)
}

// Progress is a download progress event.
type Progress struct {
	SeriesTitle string
	Chapter     string
	Title       string
	CurrentPage int
	TotalPages  int
	Status      string // "downloading", "archiving", "complete", "skipped", "error"
	Err         error
}

// Options configure a download run.
type Options struct {
	OutDirectory  string
	Language      string
	Override      bool
	DownloadCover bool
}

// Downloader drives the chapter pipeline: enumerate chapters, skip cached
// ones, fetch pages, archive, record the cache entry. One failed chapter
// does not stop the remaining queue.
type Downloader struct {
	api      API
	cache    *data.Cache
	archiver archive.Archiver
	opts     Options

	progress chan Progress
}

func NewDownloader(api API, cache *data.Cache, archiver archive.Archiver, opts Options) *Downloader {
	if opts.Language == "" {
		opts.Language = "en"
	}
	return &Downloader{
		api:      api,
		cache:    cache,
		archiver: archiver,
		opts:     opts,
		progress: make(chan Progress, 100),
	}
}

// ProgressChannel returns the channel on which progress events arrive.
func (d *Downloader) ProgressChannel() <-chan Progress {
	return d.progress
}

// Close closes the progress channel. Call once no more downloads run.
func (d *Downloader) Close() {
	close(d.progress)
}

// Run downloads whatever the reference points at.
func (d *Downloader) Run(ctx context.Context, ref data.Reference) error {
	switch ref.Kind {
	case data.KindSeries:
		return d.DownloadSeries(ctx, ref.UUID)
	case data.KindChapter:
		return d.DownloadChapter(ctx, ref.UUID)
	default:
		return fmt.Errorf("unhandled reference kind %q", ref.Kind)
	}
}

// DownloadSeries downloads every not-yet-cached chapter of a series.
// Chapters that fail after retries are logged and skipped; the error
// returned at the end reflects how many failed.
func (d *Downloader) DownloadSeries(ctx context.Context, seriesID string) error {
	series, err := d.api.Series(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("failed to get series info: %w", err)
	}
	slog.Info("got series information", "series", series.Title)

	seriesDir := filepath.Join(d.opts.OutDirectory, data.SafeName(series.Title))
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}

	groups, err := d.api.Volumes(ctx, seriesID, d.opts.Language)
	if err != nil {
		return fmt.Errorf("failed to get series chapters: %w", err)
	}

	if d.opts.DownloadCover {
		if err := d.downloadSeriesCover(ctx, series, groups, seriesDir); err != nil {
			slog.Error("failed to download series cover", "series", series.Title, "error", err)
		} else {
			slog.Info("downloaded cover", "series", series.Title)
		}
	}

	chapters := d.pendingChapters(ctx, groups)

	var failed int
	for _, chapter := range chapters {
		if err := d.processChapter(ctx, series, chapter); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			slog.Error("chapter failed", "series", series.Title, "chapter", chapter.Number, "error", err)
			d.sendProgress(Progress{
				SeriesTitle: series.Title,
				Chapter:     archive.FormatChapterNumber(chapter.Number),
				Title:       chapter.Title,
				Status:      "error",
				Err:         err,
			})
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d chapters failed", failed, len(chapters))
	}
	return nil
}

// DownloadChapter downloads a single chapter unless it is cached.
func (d *Downloader) DownloadChapter(ctx context.Context, chapterID string) error {
	if !d.opts.Override && d.cache.Contains(chapterID) {
		slog.Info("chapter already downloaded, skipping", "chapter", chapterID)
		d.sendProgress(Progress{Chapter: chapterID, Status: "skipped"})
		return nil
	}

	chapter, err := d.api.Chapter(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("failed to get chapter info: %w", err)
	}
	series, err := d.api.Series(ctx, chapter.SeriesID)
	if err != nil {
		return fmt.Errorf("failed to get series info: %w", err)
	}

	seriesDir := filepath.Join(d.opts.OutDirectory, data.SafeName(series.Title))
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}

	return d.processChapter(ctx, series, chapter)
}

// pendingChapters resolves the chapter metadata for every group with no
// member in the cache. Externally hosted chapters are skipped.
func (d *Downloader) pendingChapters(ctx context.Context, groups []mangadex.ChapterGroup) []data.Chapter {
	var chapters []data.Chapter
	for _, group := range groups {
		if len(group.IDs) == 0 {
			continue
		}
		if !d.opts.Override && d.anyCached(group.IDs) {
			continue
		}

		chapter, err := d.api.Chapter(ctx, group.IDs[0])
		if err != nil {
			if errors.Is(err, mangadex.ErrExternalChapter) {
				slog.Info("chapter is from an external source, skipping", "chapter", group.Chapter)
				continue
			}
			slog.Error("failed to get chapter info", "chapter", group.Chapter, "error", err)
			continue
		}
		chapters = append(chapters, chapter)
	}
	return chapters
}

func (d *Downloader) anyCached(ids []string) bool {
	for _, id := range ids {
		if d.cache.Contains(id) {
			return true
		}
	}
	return false
}

// processChapter runs the full pipeline for one chapter. The cache entry
// is recorded only after the archive is fully written.
func (d *Downloader) processChapter(ctx context.Context, series data.Series, chapter data.Chapter) error {
	slog.Info("downloading chapter",
		"series", series.Title,
		"chapter", chapter.Number,
		"title", chapter.Title)

	urls, err := d.api.PageURLs(ctx, chapter.ID)
	if err != nil {
		return fmt.Errorf("failed to get page URLs: %w", err)
	}
	if len(urls) == 0 {
		return fmt.Errorf("chapter %s has no pages", chapter.ID)
	}

	pages, err := d.downloadPages(ctx, series, chapter, urls)
	if err != nil {
		return err
	}

	d.sendProgress(Progress{
		SeriesTitle: series.Title,
		Chapter:     archive.FormatChapterNumber(chapter.Number),
		Title:       chapter.Title,
		CurrentPage: len(pages),
		TotalPages:  len(pages),
		Status:      "archiving",
	})

	path := filepath.Join(
		d.opts.OutDirectory,
		data.SafeName(series.Title),
		chapter.DirName()+d.archiver.Extension(),
	)
	if err := d.archiver.Archive(path, series, chapter, pages); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	if !d.opts.Override {
		if err := d.cache.Add(chapter.ID); err != nil {
			return fmt.Errorf("failed to record cache entry: %w", err)
		}
	}

	d.sendProgress(Progress{
		SeriesTitle: series.Title,
		Chapter:     archive.FormatChapterNumber(chapter.Number),
		Title:       chapter.Title,
		CurrentPage: len(pages),
		TotalPages:  len(pages),
		Status:      "complete",
	})
	return nil
}

// downloadPages fetches all page images with a bounded worker pool. Page
// order is preserved; a single page exhausting its retries fails the
// whole chapter.
func (d *Downloader) downloadPages(ctx context.Context, series data.Series, chapter data.Chapter, urls []string) ([]archive.Page, error) {
	pages := make([]archive.Page, len(urls))

	var mu sync.Mutex
	done := 0

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(pageWorkers)
	for i, url := range urls {
		i, url := i, url
		group.Go(func() error {
			processed, err := d.downloadPage(ctx, url, maxPageHeight)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			pages[i] = archive.Page{
				Name: fmt.Sprintf("%03d.jpg", i+1),
				Data: processed,
			}

			mu.Lock()
			done++
			current := done
			mu.Unlock()
			d.sendProgress(Progress{
				SeriesTitle: series.Title,
				Chapter:     archive.FormatChapterNumber(chapter.Number),
				Title:       chapter.Title,
				CurrentPage: current,
				TotalPages:  len(urls),
				Status:      "downloading",
			})
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// downloadPage fetches and post-processes one image with bounded retries.
func (d *Downloader) downloadPage(ctx context.Context, url string, maxHeight int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= pageAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			slog.Warn("image download failed, retrying",
				"url", url,
				"attempt", fmt.Sprintf("%d/%d", attempt, pageAttempts))
		}

		raw, err := d.api.GetImage(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		processed, err := processImage(raw, maxHeight)
		if err != nil {
			lastErr = err
			continue
		}
		return processed, nil
	}
	return nil, fmt.Errorf("failed to download image after %d attempts: %w", pageAttempts, lastErr)
}

// downloadSeriesCover saves the cover of the newest volume as cover.jpg in
// the series directory, falling back to the series cover art.
func (d *Downloader) downloadSeriesCover(ctx context.Context, series data.Series, groups []mangadex.ChapterGroup, seriesDir string) error {
	coverURL := series.CoverURL

	covers, err := d.api.CoverVolumes(ctx, series.ID)
	if err != nil {
		return err
	}
	if fileName, ok := covers[maxVolume(groups)]; ok {
		coverURL = d.api.CoverURL(series.ID, fileName)
	}
	if coverURL == "" {
		return fmt.Errorf("series %s has no cover art", series.ID)
	}

	cover, err := d.downloadPage(ctx, coverURL, maxSeriesCoverHeight)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(seriesDir, "cover.jpg"), cover, 0644)
}

// DownloadChapterCovers saves the volume cover for each already-archived
// chapter of the reference as "<chapter dir>.jpg". This is a terminal
// action used instead of a full chapter download.
func (d *Downloader) DownloadChapterCovers(ctx context.Context, ref data.Reference) error {
	var (
		series   data.Series
		chapters []data.Chapter
		err      error
	)

	switch ref.Kind {
	case data.KindSeries:
		series, err = d.api.Series(ctx, ref.UUID)
		if err != nil {
			return fmt.Errorf("failed to get series info: %w", err)
		}
		groups, err := d.api.Volumes(ctx, ref.UUID, d.opts.Language)
		if err != nil {
			return fmt.Errorf("failed to get series chapters: %w", err)
		}
		chapters = d.archivedChapters(ctx, groups)
	case data.KindChapter:
		chapter, err := d.api.Chapter(ctx, ref.UUID)
		if err != nil {
			return fmt.Errorf("failed to get chapter info: %w", err)
		}
		series, err = d.api.Series(ctx, chapter.SeriesID)
		if err != nil {
			return fmt.Errorf("failed to get series info: %w", err)
		}
		chapters = []data.Chapter{chapter}
	default:
		return fmt.Errorf("unhandled reference kind %q", ref.Kind)
	}

	seriesDir := filepath.Join(d.opts.OutDirectory, data.SafeName(series.Title))
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}

	covers, err := d.api.CoverVolumes(ctx, series.ID)
	if err != nil {
		return fmt.Errorf("failed to list cover volumes: %w", err)
	}

	slog.Info("downloading chapter covers", "series", series.Title)

	// Volume covers are shared between chapters, fetch each one once.
	fetched := make(map[string][]byte)
	for _, chapter := range chapters {
		volume := fmt.Sprintf("%d", chapter.Volume)
		fileName, ok := covers[volume]
		if !ok {
			continue
		}

		target := filepath.Join(seriesDir, chapter.DirName()+".jpg")
		if _, err := os.Stat(target); err == nil {
			continue
		}

		image, ok := fetched[volume]
		if !ok {
			image, err = d.downloadPage(ctx, d.api.CoverURL(series.ID, fileName), maxVolumeCoverHeight)
			if err != nil {
				slog.Error("failed to download volume cover", "volume", volume, "error", err)
				continue
			}
			fetched[volume] = image
		}

		if err := os.WriteFile(target, image, 0644); err != nil {
			return fmt.Errorf("failed to save chapter cover: %w", err)
		}
	}
	return nil
}

// archivedChapters resolves chapter metadata for every group with a member
// already recorded in the cache, the chapters whose archives exist.
func (d *Downloader) archivedChapters(ctx context.Context, groups []mangadex.ChapterGroup) []data.Chapter {
	var chapters []data.Chapter
	for _, group := range groups {
		for _, id := range group.IDs {
			if !d.cache.Contains(id) {
				continue
			}
			chapter, err := d.api.Chapter(ctx, id)
			if err != nil {
				slog.Error("failed to get chapter info", "chapter", group.Chapter, "error", err)
				break
			}
			chapters = append(chapters, chapter)
			break
		}
	}
	return chapters
}

// maxVolume returns the highest numeric volume among the chapter groups.
func maxVolume(groups []mangadex.ChapterGroup) string {
	max := 0
	for _, group := range groups {
		var volume int
		if _, err := fmt.Sscanf(group.Volume, "%d", &volume); err != nil {
			continue
		}
		if volume > max {
			max = volume
		}
	}
	return fmt.Sprintf("%d", max)
}

// sendProgress emits a progress event without blocking.
func (d *Downloader) sendProgress(progress Progress) {
	select {
	case d.progress <- progress:
	default:
	}
}
