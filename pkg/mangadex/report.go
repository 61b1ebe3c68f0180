package mangadex

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slapelachie/mangadex-dl/pkg/data"
)

const defaultReportURL = "https://api.mangadex.network/report"

// Reporter submits at-home node health reports to the MangaDex network.
// Reports are queued on a buffered channel and posted by a single
// background goroutine; queueing never blocks a download and failures are
// logged and dropped. Images served straight from uploads.mangadex.org are
// not part of the at-home network and are never reported.
type Reporter struct {
	http      *http.Client
	reportURL string

	reports chan data.Report
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewReporter starts the background submitter. Call Close to flush and
// stop it. An empty reportURL selects the MangaDex network endpoint.
func NewReporter(reportURL string) *Reporter {
	if reportURL == "" {
		reportURL = defaultReportURL
	}
	reporter := &Reporter{
		http:      &http.Client{Timeout: 30 * time.Second},
		reportURL: reportURL,
		reports:   make(chan data.Report, 64),
		done:      make(chan struct{}),
	}
	reporter.wg.Add(1)
	go reporter.run()
	return reporter
}

// Add queues a health report. If the queue is full the report is dropped.
func (r *Reporter) Add(report data.Report) {
	if strings.Contains(report.URL, "uploads.mangadex.org") {
		slog.Debug("endpoint is not on the at-home network, not reporting", "url", report.URL)
		return
	}
	select {
	case r.reports <- report:
	default:
		slog.Debug("report queue full, dropping report", "url", report.URL)
	}
}

// Close drains the queued reports and stops the background goroutine.
func (r *Reporter) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Reporter) run() {
	defer r.wg.Done()
	for {
		select {
		case report := <-r.reports:
			r.submit(report)
		case <-r.done:
			for {
				select {
				case report := <-r.reports:
					r.submit(report)
				default:
					return
				}
			}
		}
	}
}

func (r *Reporter) submit(report data.Report) {
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}

	resp, err := r.http.Post(r.reportURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		slog.Warn("could not submit report, skipping", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("could not submit report, skipping", "status", resp.Status)
	}
}
