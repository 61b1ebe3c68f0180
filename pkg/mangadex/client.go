package mangadex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/slapelachie/mangadex-dl/pkg/data"
)

const (
	defaultBaseURL    = "https://api.mangadex.org"
	defaultUploadsURL = "https://uploads.mangadex.org"
	userAgent         = "mangadex-dl/1.0"

	// MangaDex allows five requests per second globally.
	requestsPerSecond = 5
	maxRetries        = 3
	requestTimeout    = 90 * time.Second
)

// ErrExternalChapter marks chapters hosted outside MangaDex; they have no
// pages on the at-home network and cannot be downloaded.
var ErrExternalChapter = errors.New("chapter is externally sourced")

// Client talks to the MangaDex REST API. All requests go through a shared
// rate limiter and transient failures (429, 5xx) are retried with backoff.
type Client struct {
	http       *http.Client
	baseURL    string
	uploadsURL string
	limiter    *rate.Limiter
	reporter   *Reporter
}

type Option func(*Client)

// WithBaseURL points the client at a different API host, used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithUploadsURL points cover downloads at a different host, used by tests.
func WithUploadsURL(url string) Option {
	return func(c *Client) { c.uploadsURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.http = httpClient }
}

// WithReporter enables at-home network health telemetry.
func WithReporter(reporter *Reporter) Option {
	return func(c *Client) { c.reporter = reporter }
}

func NewClient(opts ...Option) *Client {
	client := &Client{
		http:       &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		uploadsURL: defaultUploadsURL,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// do performs a rate-limited GET with bounded retries. 429 responses wait
// out the advertised retry window before the next attempt; 5xx responses
// back off exponentially.
func (c *Client) do(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)

		// No point sleeping after the final attempt.
		final := attempt == maxRetries

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if !final {
				if err := sleepCtx(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			resp.Body.Close()
			lastErr = fmt.Errorf("request to %s failed: %s", url, resp.Status)
			if !final {
				slog.Warn("exceeded rate limit", "url", url, "wait", wait)
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
			}
		case resp.StatusCode >= http.StatusInternalServerError:
			resp.Body.Close()
			lastErr = fmt.Errorf("request to %s failed: %s", url, resp.Status)
			if !final {
				if err := sleepCtx(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
			}
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return nil, fmt.Errorf("request to %s failed: %s", url, resp.Status)
		default:
			return resp, nil
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, c.baseURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// Series fetches the series metadata from /manga/{id}. The title falls
// back through English, romanized Japanese and Japanese.
func (c *Client) Series(ctx context.Context, seriesID string) (data.Series, error) {
	var resp seriesResponse
	path := fmt.Sprintf("/manga/%s?includes[]=author&includes[]=cover_art", seriesID)
	if err := c.get(ctx, path, &resp); err != nil {
		return data.Series{}, err
	}

	series := data.Series{
		ID:          seriesID,
		Description: resp.Data.Attributes.Description["en"],
		Year:        resp.Data.Attributes.Year,
		Author:      "No Author",
	}

	for _, lang := range []string{"en", "ja-ro", "ja"} {
		if title, ok := resp.Data.Attributes.Title[lang]; ok && title != "" {
			series.Title = title
			break
		}
	}
	if series.Title == "" {
		return data.Series{}, fmt.Errorf("series %s has no usable title", seriesID)
	}

	for _, rel := range resp.Data.Relationships {
		switch rel.Type {
		case "author":
			if rel.Attributes.Name != "" {
				series.Author = rel.Attributes.Name
			}
		case "cover_art":
			if rel.Attributes.FileName != "" {
				series.CoverURL = c.CoverURL(seriesID, rel.Attributes.FileName)
			}
		}
	}

	return series, nil
}

// CoverURL builds the uploads URL for a 512px cover thumbnail.
func (c *Client) CoverURL(seriesID, fileName string) string {
	return fmt.Sprintf("%s/covers/%s/%s.512.jpg", c.uploadsURL, seriesID, fileName)
}

// Volumes fetches the chapter listing from /manga/{id}/aggregate grouped
// by chapter number, ordered by chapter number ascending.
func (c *Client) Volumes(ctx context.Context, seriesID, language string) ([]ChapterGroup, error) {
	var resp aggregateResponse
	path := fmt.Sprintf("/manga/%s/aggregate?translatedLanguage[]=%s", seriesID, language)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	var groups []ChapterGroup
	for _, volume := range resp.Volumes {
		for _, chapter := range volume.Chapters {
			ids := append([]string{chapter.ID}, chapter.Others...)
			groups = append(groups, ChapterGroup{
				Volume:  volume.Volume,
				Chapter: chapter.Chapter,
				IDs:     ids,
			})
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		a, _ := strconv.ParseFloat(groups[i].Chapter, 64)
		b, _ := strconv.ParseFloat(groups[j].Chapter, 64)
		return a < b
	})
	return groups, nil
}

// Chapter fetches a single chapter's metadata from /chapter/{id}.
// Externally hosted chapters are rejected with ErrExternalChapter.
func (c *Client) Chapter(ctx context.Context, chapterID string) (data.Chapter, error) {
	var resp chapterResponse
	if err := c.get(ctx, fmt.Sprintf("/chapter/%s", chapterID), &resp); err != nil {
		return data.Chapter{}, err
	}

	attrs := resp.Data.Attributes
	if attrs.ExternalURL != "" {
		return data.Chapter{}, fmt.Errorf("chapter %s: %w", chapterID, ErrExternalChapter)
	}

	chapter := data.Chapter{
		ID:       chapterID,
		Language: attrs.TranslatedLanguage,
	}

	if attrs.Chapter != "" {
		number, err := strconv.ParseFloat(attrs.Chapter, 64)
		if err != nil {
			return data.Chapter{}, fmt.Errorf("chapter %s has a malformed number %q: %w", chapterID, attrs.Chapter, err)
		}
		chapter.Number = number
	}
	if attrs.Volume != "" && attrs.Volume != "none" {
		volume, err := strconv.Atoi(attrs.Volume)
		if err != nil {
			return data.Chapter{}, fmt.Errorf("chapter %s has a malformed volume %q: %w", chapterID, attrs.Volume, err)
		}
		chapter.Volume = volume
	}

	chapter.Title = attrs.Title
	if chapter.Title == "" {
		chapter.Title = fmt.Sprintf("Chapter %s", strconv.FormatFloat(chapter.Number, 'f', -1, 64))
	}

	for _, rel := range resp.Data.Relationships {
		if rel.Type == "manga" {
			chapter.SeriesID = rel.ID
			break
		}
	}
	if chapter.SeriesID == "" {
		return data.Chapter{}, fmt.Errorf("chapter %s has no series relationship", chapterID)
	}

	slog.Debug("got chapter information", "chapter", chapter.Number, "title", chapter.Title)
	return chapter, nil
}

// PageURLs resolves the at-home server for a chapter and returns the full
// page image URLs in page order. The URLs expire after a short window and
// must never be stored.
func (c *Client) PageURLs(ctx context.Context, chapterID string) ([]string, error) {
	var resp atHomeResponse
	if err := c.get(ctx, fmt.Sprintf("/at-home/server/%s", chapterID), &resp); err != nil {
		return nil, err
	}

	urls := make([]string, len(resp.Chapter.Data))
	for i, file := range resp.Chapter.Data {
		urls[i] = fmt.Sprintf("%s/data/%s/%s", resp.BaseURL, resp.Chapter.Hash, file)
	}
	return urls, nil
}

// CoverVolumes lists the cover art filenames per volume number, following
// the API's limit/offset pagination.
func (c *Client) CoverVolumes(ctx context.Context, seriesID string) (map[string]string, error) {
	const pageSize = 50

	covers := make(map[string]string)
	for offset := 0; ; offset += pageSize {
		var resp coverResponse
		path := fmt.Sprintf("/cover?locales[]=ja&manga[]=%s&limit=%d&offset=%d", seriesID, pageSize, offset)
		if err := c.get(ctx, path, &resp); err != nil {
			return nil, err
		}

		for _, cover := range resp.Data {
			if cover.Type != "cover_art" || cover.Attributes.FileName == "" {
				continue
			}
			covers[cover.Attributes.Volume] = cover.Attributes.FileName
		}

		if offset+pageSize >= resp.Total {
			break
		}
	}
	return covers, nil
}

// GetImage downloads raw image bytes through the shared rate limiter and,
// when telemetry is enabled, queues a health report for the serving node.
func (c *Client) GetImage(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	resp, err := c.do(ctx, url)
	if err != nil {
		c.report(url, false, 0, false, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.report(url, false, len(body), false, time.Since(start))
		return nil, fmt.Errorf("failed to read image from %s: %w", url, err)
	}

	c.report(url, true, len(body), resp.Header.Get("X-Cache") == "HIT", time.Since(start))
	return body, nil
}

func (c *Client) report(url string, success bool, bytes int, cached bool, elapsed time.Duration) {
	if c.reporter == nil {
		return
	}
	c.reporter.Add(data.Report{
		URL:      url,
		Success:  success,
		Bytes:    bytes,
		Cached:   cached,
		Duration: elapsed.Milliseconds(),
	})
}

// retryAfter reads the X-RateLimit-Retry-After header, which MangaDex
// sends as a unix timestamp.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("X-RateLimit-Retry-After")
	deadline, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Minute
	}
	wait := time.Until(time.Unix(deadline, 0))
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func backoff(attempt int) time.Duration {
	return time.Second << attempt
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
