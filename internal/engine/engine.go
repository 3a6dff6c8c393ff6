// Package engine binds the chunk planner, sparse writer, resume store, and
// a Fetcher into the download coordination engine: it creates or loads the
// plan, spawns workers, multiplexes them over origin and mirrors with
// retry, feeds the writer and resume store, publishes progress, and
// surfaces cooperative pause/cancel.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale-labs/fastget/internal/chunk"
	"github.com/rescale-labs/fastget/internal/fastgeterr"
	"github.com/rescale-labs/fastget/internal/fetch"
	"github.com/rescale-labs/fastget/internal/progress"
	"github.com/rescale-labs/fastget/internal/resume"
	"github.com/rescale-labs/fastget/internal/writer"
)

// defaultInitialChunkSize is used when no resume file dictates a different
// geometry.
const defaultInitialChunkSize = 1024 * 1024

// pauseSleep is how long a paused worker sleeps between flag checks.
const pauseSleep = 100 * time.Millisecond

// progressInterval is the progress watcher's sampling period.
const progressInterval = 200 * time.Millisecond

// Options configures one Engine run. One Engine downloads exactly one
// resource; batch orchestration across multiple URLs is the caller's job.
type Options struct {
	Origin     string
	Mirrors    []string
	OutputPath string

	NumThreads         int
	Retries            int
	RetryDelayMs       int
	ResumeEnabled      bool
	MaxRateBytesPerSec int64

	// InitialChunkSize overrides the default 1 MiB starting chunk size
	// when no resume file dictates one. Zero means use the default.
	InitialChunkSize uint64

	Request fetch.Options
}

func (o Options) urls() []string {
	urls := make([]string, 0, 1+len(o.Mirrors))
	urls = append(urls, o.Origin)
	urls = append(urls, o.Mirrors...)
	return urls
}

func (o Options) threadCount() int {
	if o.NumThreads <= 0 {
		return 1
	}
	return o.NumThreads
}

// perRequestRateCap distributes the configured global rate cap equally
// across workers. If integer division yields zero, the full cap is used
// instead of silently disabling the limit.
func (o Options) perRequestRateCap() int64 {
	if o.MaxRateBytesPerSec <= 0 {
		return 0
	}
	threads := int64(o.threadCount())
	per := o.MaxRateBytesPerSec / threads
	if per == 0 {
		return o.MaxRateBytesPerSec
	}
	return per
}

// Engine is the download coordination engine. The zero value is not usable;
// construct with New.
type Engine struct {
	opts     Options
	fetcher  fetch.Fetcher
	reporter progress.Reporter
	log      zerolog.Logger

	writer      *writer.SparseWriter
	table       *chunk.Table
	resumeStore *resume.Store

	totalSize    uint64
	resumed      bool
	resumedBytes uint64

	downloadedSize atomic.Uint64
	running        atomic.Bool
	paused         atomic.Bool

	startTime time.Time
}

// New constructs an Engine. fetcher is a required external capability; a
// nil reporter is replaced with progress.Noop{}.
func New(opts Options, fetcher fetch.Fetcher, reporter progress.Reporter, log zerolog.Logger) *Engine {
	if reporter == nil {
		reporter = progress.Noop{}
	}
	return &Engine{
		opts:     opts,
		fetcher:  fetcher,
		reporter: reporter,
		log:      log,
		writer:   writer.New(opts.OutputPath),
	}
}

// DownloadedSize returns the current count of bytes committed to disk.
func (e *Engine) DownloadedSize() uint64 {
	return e.downloadedSize.Load()
}

// TotalSize returns the probed total resource length.
func (e *Engine) TotalSize() uint64 {
	return e.totalSize
}

// Pause cooperatively pauses all workers: they finish any in-flight chunk,
// then sleep without releasing it back to the pool. Pause also triggers a
// resume-store save, so a SIGINT-initiated pause before process exit
// persists progress even if the process is then killed.
func (e *Engine) Pause() {
	e.paused.Store(true)
	if e.opts.ResumeEnabled && e.resumeStore != nil {
		if err := e.resumeStore.Save(); err != nil {
			e.log.Warn().Err(err).Msg("pause: resume save failed")
		}
	}
}

// Resume un-pauses workers.
func (e *Engine) Resume() {
	e.paused.Store(false)
}

// Cancel stops the engine. Workers exit at their next acquire boundary,
// finishing any chunk already in flight; there is no forced abort of an
// in-flight fetch.
func (e *Engine) Cancel() {
	e.running.Store(false)
}

// Start runs the engine to completion (or cancellation). ctx governs
// individual fetch calls; cancelling it also cancels the engine.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()

	// 1. Probe size across [origin, ...mirrors], first Known wins.
	totalSize, err := e.probeSize(ctx)
	if err != nil {
		return err
	}
	e.totalSize = totalSize

	// 2. Open SparseWriter, preallocate total_size.
	if err := e.writer.Open(); err != nil {
		return fmt.Errorf("%w: %w", fastgeterr.ErrOutputUnwritable, err)
	}
	if err := e.writer.Preallocate(totalSize); err != nil {
		return fmt.Errorf("%w: %w", fastgeterr.ErrOutputUnwritable, err)
	}

	// 3. Build or load the plan.
	if err := e.buildPlan(totalSize); err != nil {
		return err
	}

	// 4. Replay resume state.
	e.replayResume()
	e.startTime = time.Now()

	// 5. Already finished (everything was resumed)?
	if e.table.IsFinished() {
		e.finish(true)
		return nil
	}

	// 6. Spawn workers + progress watcher.
	e.running.Store(true)

	numWorkers := e.opts.threadCount()
	e.reporter.Header(e.opts.OutputPath, totalSize, numWorkers)

	var workerWg sync.WaitGroup
	workerWg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer workerWg.Done()
			e.workerLoop(ctx)
		}()
	}

	var watcherWg sync.WaitGroup
	watcherWg.Add(1)
	go func() {
		defer watcherWg.Done()
		e.progressWatcher()
	}()

	go func() {
		<-ctx.Done()
		e.Cancel()
	}()

	workerWg.Wait()
	e.running.Store(false)
	watcherWg.Wait()

	finished := e.table.IsFinished()
	e.finish(finished)

	if !finished {
		return fastgeterr.ErrIncompleteDownload
	}
	return nil
}

// probeSize tries origin then mirrors in strict configured order; the
// first Known result wins.
func (e *Engine) probeSize(ctx context.Context) (uint64, error) {
	for _, url := range e.opts.urls() {
		res, err := e.fetcher.ProbeSize(ctx, url, e.opts.Request)
		if err != nil {
			e.log.Debug().Err(err).Str("url", url).Msg("probe size failed")
			continue
		}
		if res.Known {
			return res.TotalSize, nil
		}
	}
	return 0, fastgeterr.ErrSizeUnknown
}

// buildPlan loads a resume file if enabled and compatible, or builds a
// fresh plan at Options.InitialChunkSize (default 1 MiB) and initializes
// the resume store.
func (e *Engine) buildPlan(totalSize uint64) error {
	e.resumeStore = resume.NewStore(e.opts.OutputPath)

	chunkSize := uint64(defaultInitialChunkSize)
	if e.opts.InitialChunkSize > 0 {
		chunkSize = e.opts.InitialChunkSize
	}
	loadedFromResume := false

	if e.opts.ResumeEnabled {
		result, cs, _, err := e.resumeStore.Load(totalSize)
		if err != nil {
			return fmt.Errorf("engine: resume load: %w", err)
		}
		switch result {
		case resume.Loaded:
			chunkSize = cs
			loadedFromResume = true
		case resume.Incompatible:
			e.log.Warn().Msg("resume file incompatible with current target, starting fresh")
		case resume.Absent:
		}
	}

	plan, err := chunk.NewPlan(totalSize, chunkSize)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.table = chunk.NewTable(plan)

	if e.opts.ResumeEnabled && !loadedFromResume {
		e.resumeStore.Initialize(totalSize, chunkSize, uint64(plan.ChunkCount()))
	}

	return nil
}

// replayResume marks every chunk the resume store reports complete, and
// sets the initial downloaded_size from their combined byte length.
func (e *Engine) replayResume() {
	if !e.opts.ResumeEnabled || !e.resumeStore.IsInitialized() {
		return
	}

	completed := e.resumeStore.CompletedChunks()
	if len(completed) == 0 {
		return
	}

	var resumedBytes uint64
	for _, id := range completed {
		if uint32(id) >= e.table.ChunkCount() {
			continue
		}
		e.table.MarkCompletedFromResume(uint32(id))
		start, end := e.table.ChunkRange(uint32(id))
		resumedBytes += end - start + 1
	}

	e.resumed = true
	e.resumedBytes = resumedBytes
	e.downloadedSize.Store(resumedBytes)
}

// finish performs end-of-run cleanup: one final resume save (unless
// everything finished, in which case the resume file is removed), and the
// Footer/Summary Reporter calls.
func (e *Engine) finish(ok bool) {
	if e.opts.ResumeEnabled && e.resumeStore != nil {
		if ok {
			if err := e.resumeStore.Delete(); err != nil {
				e.log.Warn().Err(err).Msg("resume cleanup failed")
			}
		} else if err := e.resumeStore.Save(); err != nil {
			e.log.Warn().Err(err).Msg("final resume save failed")
		}
	}
	_ = e.writer.Close()

	errMsg := ""
	if !ok {
		errMsg = fastgeterr.ErrIncompleteDownload.Error()
	}
	e.reporter.Footer(ok, errMsg)

	elapsed := time.Since(e.startTime)
	downloaded := e.downloadedSize.Load()
	var avgSpeed float64
	if elapsed > 0 {
		avgSpeed = float64(downloaded) / elapsed.Seconds()
	}
	e.reporter.Summary(e.totalSize, downloaded, avgSpeed, elapsed, e.resumed, e.resumedBytes, e.opts.threadCount())
}

// progressWatcher samples downloaded_size every 200ms and reports it.
func (e *Engine) progressWatcher() {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		if e.table.IsFinished() || !e.running.Load() {
			return
		}
		select {
		case <-ticker.C:
			elapsed := time.Since(e.startTime).Seconds()
			downloaded := e.downloadedSize.Load()
			var speed float64
			if elapsed > 0 {
				speed = float64(downloaded) / elapsed
			}
			e.reporter.Progress(downloaded, e.totalSize, speed)
		}
	}
}

// workerLoop is one concurrent fetch loop. It exits when the chunk table
// has no pending chunk to offer, or when the engine stops running.
func (e *Engine) workerLoop(ctx context.Context) {
	for e.running.Load() && !e.table.IsFinished() {
		if e.paused.Load() {
			time.Sleep(pauseSleep)
			continue
		}

		ref, ok := e.table.AcquireNext()
		if !ok {
			return
		}

		e.fetchChunk(ctx, ref)
	}
}

// fetchChunk drives the attempt/mirror retry loop for a single chunk: for
// each attempt, try every URL in strict order; on success, commit the
// bytes and mark the chunk done. If every attempt across every mirror
// fails, the chunk returns to pending for another worker to retry.
func (e *Engine) fetchChunk(ctx context.Context, ref chunk.Ref) {
	urls := e.opts.urls()
	reqOpts := e.opts.Request
	reqOpts.MaxRecvBytesPerSec = e.opts.perRequestRateCap()

	retries := e.opts.Retries
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		for _, url := range urls {
			result := e.fetcher.FetchRange(ctx, url, ref.Start, ref.EndInclusive, reqOpts)
			if result.Outcome != fetch.Success {
				continue
			}
			if uint64(len(result.Data)) != ref.Len() {
				continue
			}

			if err := e.writer.WriteAt(ref.Start, result.Data); err != nil {
				e.log.Error().Err(err).Uint32("chunk", ref.ID).Msg("write failed")
				continue
			}

			e.downloadedSize.Add(ref.Len())

			speed := float64(0)
			if result.Elapsed > 0 {
				speed = float64(len(result.Data)) / result.Elapsed.Seconds()
			}
			e.table.MarkSuccess(ref.ID, speed)

			if e.opts.ResumeEnabled {
				e.resumeStore.MarkCompleted(uint64(ref.ID))
				if err := e.resumeStore.MaybeSave(); err != nil {
					e.log.Warn().Err(err).Msg("resume maybe-save failed")
				}
			}
			return
		}

		if attempt < retries {
			time.Sleep(e.retryDelay())
		}
	}

	e.table.MarkFailure(ref.ID)
}

func (e *Engine) retryDelay() time.Duration {
	if e.opts.RetryDelayMs <= 0 {
		return 0
	}
	return time.Duration(e.opts.RetryDelayMs) * time.Millisecond
}
