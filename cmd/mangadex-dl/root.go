package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/slapelachie/mangadex-dl/pkg/archive"
	"github.com/slapelachie/mangadex-dl/pkg/data"
	"github.com/slapelachie/mangadex-dl/pkg/mangadex"
	"github.com/slapelachie/mangadex-dl/pkg/progress"
	"github.com/slapelachie/mangadex-dl/pkg/services"
)

const version = "1.0.0"

var flags struct {
	outDirectory    string
	cacheFile       string
	format          string
	language        string
	override        bool
	downloadCover   bool
	chapterCovers   bool
	showProgress    bool
	debugLogging    bool
	verboseLogging  bool
	enableReporting bool
}

var rootCmd = &cobra.Command{
	Use:     "mangadex-dl url",
	Short:   "Download MangaDex manga from the command line",
	Long:    "Download MangaDex series or chapters as CBZ archives with embedded ComicInfo.xml metadata.",
	Version: version,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		cmd.SilenceUsage = true
		return run(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.outDirectory, "out-directory", "o", "./mangadex-dl",
		"output directory for series")
	rootCmd.Flags().StringVar(&flags.cacheFile, "cache-file", defaultCacheFile(),
		"file recording already downloaded chapter UUIDs")
	rootCmd.Flags().StringVar(&flags.format, "format", "cbz",
		"archive format to produce (cbz or epub)")
	rootCmd.Flags().StringVarP(&flags.language, "language", "l", "en",
		"translated language code (e.g. en, ja, es)")
	rootCmd.Flags().BoolVar(&flags.override, "override", false,
		"ignore any UUIDs in the cache file")
	rootCmd.Flags().BoolVar(&flags.downloadCover, "download-cover", false,
		"download the series cover art")
	rootCmd.Flags().BoolVar(&flags.chapterCovers, "download-chapter-covers", false,
		"download only the covers for the chapters of the given series/chapter")
	rootCmd.Flags().BoolVar(&flags.showProgress, "progress", false,
		"display progress bars for the download")
	rootCmd.Flags().BoolVar(&flags.debugLogging, "debug", false,
		"debug logging")
	rootCmd.Flags().BoolVarP(&flags.verboseLogging, "verbose", "v", false,
		"verbose logging")
	rootCmd.Flags().BoolVar(&flags.enableReporting, "report", false,
		"allow telemetry to MangaDex reporting the health of the used servers, may increase download times")
}

func defaultCacheFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "mangadex-dl", "downloaded.txt")
	}
	return filepath.Join(home, ".cache", "mangadex-dl", "downloaded.txt")
}

func setupLogging() {
	level := slog.LevelWarn
	switch {
	case flags.debugLogging:
		level = slog.LevelDebug
	case flags.verboseLogging:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run(ctx context.Context, url string) error {
	ref, err := mangadex.ParseURL(url)
	if err != nil {
		return err
	}
	slog.Debug("resolved URL", "kind", ref.Kind, "uuid", ref.UUID)

	cache, err := data.LoadCache(flags.cacheFile)
	if err != nil {
		return err
	}

	archiver, err := archive.ForFormat(flags.format)
	if err != nil {
		return err
	}

	clientOpts := []mangadex.Option{}
	if flags.enableReporting {
		reporter := mangadex.NewReporter("")
		defer reporter.Close()
		clientOpts = append(clientOpts, mangadex.WithReporter(reporter))
	}
	client := mangadex.NewClient(clientOpts...)

	downloader := services.NewDownloader(client, cache, archiver, services.Options{
		OutDirectory:  flags.outDirectory,
		Language:      flags.language,
		Override:      flags.override,
		DownloadCover: flags.downloadCover,
	})

	var consumers sync.WaitGroup
	if flags.showProgress {
		renderer := progress.NewRenderer(os.Stderr)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			renderer.Consume(downloader.ProgressChannel())
		}()
	}

	if flags.chapterCovers {
		err = downloader.DownloadChapterCovers(ctx, ref)
	} else {
		err = downloader.Run(ctx, ref)
	}

	downloader.Close()
	consumers.Wait()

	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	return nil
}
