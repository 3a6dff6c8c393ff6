package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// BarReporter is the default Reporter: a single mpb progress bar, since one
// Engine downloads exactly one resource. It falls back to plain text lines
// when stderr is not a terminal, since batch orchestration across files is
// explicitly out of scope.
type BarReporter struct {
	out        io.Writer
	isTerminal bool
	progress   *mpb.Progress
	bar        *mpb.Bar
}

// NewBarReporter builds a BarReporter writing to stderr.
func NewBarReporter() *BarReporter {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(200*time.Millisecond),
			mpb.WithWidth(80),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &BarReporter{out: os.Stderr, isTerminal: isTerminal, progress: p}
}

func (r *BarReporter) Header(path string, total uint64, workers int) {
	if !r.isTerminal {
		fmt.Fprintf(r.out, "fetching %s (%.1f MiB) with %d workers\n", path, float64(total)/(1024*1024), workers)
		return
	}

	r.bar = r.progress.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
		mpb.PrependDecorators(decor.Name(path, decor.WCSyncSpaceR)),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)
}

func (r *BarReporter) Progress(downloaded, total uint64, speed float64) {
	if r.bar == nil {
		return
	}
	r.bar.SetCurrent(int64(downloaded))
}

func (r *BarReporter) Footer(ok bool, errMsg string) {
	if r.bar != nil {
		if ok {
			r.bar.SetCurrent(r.bar.Current())
		} else {
			r.bar.Abort(false)
		}
	}
	if r.progress != nil {
		r.progress.Wait()
	}
	if !ok {
		fmt.Fprintf(r.out, "download failed: %s\n", errMsg)
	}
}

func (r *BarReporter) Summary(total, downloaded uint64, avgSpeed float64, duration time.Duration, resumed bool, resumedBytes uint64, workers int) {
	resumeNote := ""
	if resumed {
		resumeNote = fmt.Sprintf(", resumed %.1f MiB", float64(resumedBytes)/(1024*1024))
	}
	fmt.Fprintf(r.out, "done: %.1f/%.1f MiB in %s (%.1f MiB/s, %d workers%s)\n",
		float64(downloaded)/(1024*1024), float64(total)/(1024*1024),
		duration.Round(time.Second), avgSpeed/(1024*1024), workers, resumeNote)
}

var _ Reporter = (*BarReporter)(nil)
