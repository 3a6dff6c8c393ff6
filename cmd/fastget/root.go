package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rescale-labs/fastget/internal/engine"
	"github.com/rescale-labs/fastget/internal/fetch"
	"github.com/rescale-labs/fastget/internal/logging"
	"github.com/rescale-labs/fastget/internal/progress"
)

var (
	flagMirrors    []string
	flagOutput     string
	flagThreads    int
	flagChunk      string
	flagRetries    int
	flagRetryDelay int
	flagMaxRate    string
	flagNoResume   bool
	flagTimeout    int
	flagUserAgent  string
	flagDebugLog   bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fastget <url>",
		Short: "Parallel range-based file downloader",
		Long: `fastget retrieves a single remote resource via concurrent byte-range
requests, resuming interrupted downloads from a sidecar resume file.`,
		Args: cobra.ExactArgs(1),
		RunE: runDownload,
	}

	cmd.Flags().StringSliceVar(&flagMirrors, "mirror", nil, "mirror URL believed to serve the identical resource (repeatable)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output file path (default: derived from URL)")
	cmd.Flags().IntVarP(&flagThreads, "threads", "t", 8, "number of concurrent workers")
	cmd.Flags().StringVar(&flagChunk, "chunk-size", "", "initial chunk size, e.g. 1MiB (ignored if a resume file dictates one)")
	cmd.Flags().IntVar(&flagRetries, "retries", 3, "retry attempts per chunk before it returns to pending")
	cmd.Flags().IntVar(&flagRetryDelay, "retry-delay-ms", 500, "delay between retry attempts")
	cmd.Flags().StringVar(&flagMaxRate, "max-rate", "", "global rate cap, e.g. 10MiB (0 or empty disables)")
	cmd.Flags().BoolVar(&flagNoResume, "no-resume", false, "disable resume-file support")
	cmd.Flags().IntVar(&flagTimeout, "timeout-ms", 30_000, "per-request timeout")
	cmd.Flags().StringVar(&flagUserAgent, "user-agent", fetch.DefaultUserAgent, "User-Agent header")
	cmd.Flags().BoolVar(&flagDebugLog, "debug", false, "emit debug-level diagnostic logs")

	return cmd
}

func runDownload(cmd *cobra.Command, args []string) error {
	origin := args[0]
	output := flagOutput
	if output == "" {
		output = deriveOutputName(origin)
	}

	chunkSize, err := parseSize(flagChunk)
	if err != nil {
		return fmt.Errorf("--chunk-size: %w", err)
	}
	maxRate, err := parseSize(flagMaxRate)
	if err != nil {
		return fmt.Errorf("--max-rate: %w", err)
	}

	log := logging.New(term.IsTerminal(int(os.Stderr.Fd())))
	if !flagDebugLog {
		log = log.Level(zerolog.InfoLevel)
	}

	opts := engine.Options{
		Origin:             origin,
		Mirrors:            flagMirrors,
		OutputPath:         output,
		NumThreads:         flagThreads,
		Retries:            flagRetries,
		RetryDelayMs:       flagRetryDelay,
		ResumeEnabled:      !flagNoResume,
		MaxRateBytesPerSec: int64(maxRate),
		InitialChunkSize:   uint64(chunkSize),
		Request: fetch.Options{
			TimeoutMs: flagTimeout,
			VerifyTLS: true,
			UserAgent: flagUserAgent,
		},
	}

	eng := engine.New(opts, fetch.NewHTTPFetcher(), progress.NewBarReporter(), log)

	// The engine holds no process-global state; the process entry point
	// owns the handle and the signal subscription. First SIGINT pauses
	// (and persists progress); a second cancels outright.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		paused := false
		for range sigCh {
			if !paused {
				eng.Pause()
				paused = true
				continue
			}
			eng.Cancel()
			return
		}
	}()
	defer signal.Stop(sigCh)

	return eng.Start(context.Background())
}

func deriveOutputName(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 && idx < len(trimmed)-1 {
		return trimmed[idx+1:]
	}
	return "download.bin"
}
