// Package quality scores the signal quality of the ppg channels on sliding windows.
package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"physiokit/pkg/frame"
	"physiokit/pkg/window"

	"github.com/womat/debug"
)

var ErrNoChannels = errors.New("no ppg channels to score")

// Classifier rates a normalized window, 0 is unusable and 1 is clean.
type Classifier interface {
	Score(window []float64) (float64, error)
}

// Score is the quality of one channel for the latest window.
type Score struct {
	Channel string    `json:"channel"`
	Index   int       `json:"index"`
	Value   float64   `json:"value"`
	Time    time.Time `json:"time"`
}

// Options configures the worker.
type Options struct {
	SamplingRate float64
	// Window is the window length.
	Window time.Duration
	// Resolution is the step between two scores and the idle poll interval.
	Resolution time.Duration
	// TargetRate is the sampling rate the classifier expects.
	TargetRate float64
	// Publish receives every new set of scores, it may be nil.
	Publish func([]Score)
}

// DefaultOptions returns 8 s windows scored every second at 25 Hz.
func DefaultOptions(samplingRate float64) Options {
	return Options{
		SamplingRate: samplingRate,
		Window:       8 * time.Second,
		Resolution:   time.Second,
		TargetRate:   25,
	}
}

type channel struct {
	name  string
	index int
	win   *window.Window
	buf   []float64
}

// Worker scores every ppg channel of the configuration.
// PushFiltered runs on the acquisition goroutine, scoring on Run's goroutine.
type Worker struct {
	c        Classifier
	opts     Options
	channels []*channel
	samples  int

	mu     sync.RWMutex
	latest []Score
}

// New generates a worker for the ppg channels.
func New(channels frame.ChannelConfig, c Classifier, o Options) (*Worker, error) {
	idx := channels.Indices(frame.PPG)
	if len(idx) == 0 {
		return nil, ErrNoChannels
	}
	if o.Resolution <= 0 {
		o.Resolution = time.Second
	}

	size := int(o.SamplingRate * o.Window.Seconds())
	step := int(o.SamplingRate * o.Resolution.Seconds())
	w := &Worker{
		c:       c,
		opts:    o,
		samples: int(o.TargetRate * o.Window.Seconds()),
	}
	if w.samples <= 0 {
		w.samples = size
	}

	for _, i := range idx {
		w.channels = append(w.channels, &channel{
			name:  channels[i].Name,
			index: i,
			win:   window.New(size, step),
		})
	}

	debug.InfoLog.Printf("signal quality of %d channels on %d sample windows, resampled to %d", len(idx), size, w.samples)
	return w, nil
}

// PushFiltered adds the ppg samples of f to their windows.
func (w *Worker) PushFiltered(f frame.FilteredFrame) {
	for _, ch := range w.channels {
		ch.win.Push(f[ch.index])
	}
}

// Run scores ready windows until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if w.process() {
			continue
		}

		t := time.NewTimer(w.opts.Resolution)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

// process scores every ready window and reports whether one was ready.
func (w *Worker) process() bool {
	var scores []Score

	for _, ch := range w.channels {
		var ok bool
		if ch.buf, ok = ch.win.Take(ch.buf); !ok {
			continue
		}

		x := Normalize(Resample(ch.buf, w.samples))
		v, err := w.c.Score(x)
		if err != nil {
			debug.ErrorLog.Printf("signal quality of %s: %v", ch.name, err)
			continue
		}

		scores = append(scores, Score{Channel: ch.name, Index: ch.index, Value: v, Time: time.Now()})
	}

	if len(scores) == 0 {
		return false
	}

	w.mu.Lock()
	w.latest = scores
	w.mu.Unlock()

	debug.DebugLog.Printf("signal quality %v", scores)
	if w.opts.Publish != nil {
		w.opts.Publish(scores)
	}
	return true
}

// Latest returns the most recent scores.
func (w *Worker) Latest() []Score {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Score(nil), w.latest...)
}

// Reset empties all windows.
func (w *Worker) Reset() {
	for _, ch := range w.channels {
		ch.win.Reset()
	}
}

// Best returns the score with the highest value; ties go to the lower channel index.
func Best(scores []Score) (Score, bool) {
	if len(scores) == 0 {
		return Score{}, false
	}

	best := scores[0]
	for _, s := range scores[1:] {
		if s.Value > best.Value || (s.Value == best.Value && s.Index < best.Index) {
			best = s
		}
	}
	return best, true
}
