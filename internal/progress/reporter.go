// Package progress defines the Reporter sink the engine publishes progress
// samples to, and provides a default terminal implementation.
package progress

import "time"

// Reporter receives progress samples from the Engine. Output is free-form
// text — not a stable wire contract. A run that spawns workers invokes
// these methods in the sequence: one Header, zero or more Progress, one
// Footer, one Summary. A run already complete after resume replay gets
// Footer and Summary only, with no Header; a run that fails before its
// plan is built gets no calls.
type Reporter interface {
	// Header announces the start of a download.
	Header(path string, total uint64, workers int)

	// Progress is called roughly every 200ms while running.
	Progress(downloaded, total uint64, speed float64)

	// Footer announces completion or failure, with an optional message.
	Footer(ok bool, errMsg string)

	// Summary reports final statistics once, after Footer.
	Summary(total, downloaded uint64, avgSpeed float64, duration time.Duration, resumed bool, resumedBytes uint64, workers int)
}

// Noop discards every call. Useful for library embedders and tests.
type Noop struct{}

func (Noop) Header(string, uint64, int)                                            {}
func (Noop) Progress(uint64, uint64, float64)                                       {}
func (Noop) Footer(bool, string)                                                    {}
func (Noop) Summary(uint64, uint64, float64, time.Duration, bool, uint64, int) {}

var _ Reporter = Noop{}
