// Package biofeedback turns a physiological metric on sliding windows into an output level
// for a display or actuator.
package biofeedback

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"physiokit/pkg/frame"
	"physiokit/pkg/window"

	"github.com/womat/debug"
)

// Metric selects what is fed back.
type Metric string

const (
	RMSSD  Metric = "HRV_RMSSD"
	SDNN   Metric = "HRV_SDNN"
	MeanNN Metric = "HRV_MeanNN"
	// RSP feeds back the normalized respiration level in buckets 0 to 8.
	RSP Metric = "RSP"
	// EDA feeds back the change of the mean skin conductance against the baseline.
	EDA Metric = "EDA"
)

// channelType returns the channel type a metric is computed from.
func (m Metric) channelType() (frame.ChannelType, error) {
	switch m {
	case RMSSD, SDNN, MeanNN:
		return frame.PPG, nil
	case RSP:
		return frame.Resp, nil
	case EDA:
		return frame.EDA, nil
	}
	return "", fmt.Errorf("unknown biofeedback metric %q", m)
}

const (
	// normalizing is the span of the respiration normalization buffer.
	normalizing = 6 * time.Second
	// smoothing is the number of outputs averaged for ppg and eda feedback.
	smoothing = 3
	// gain scales the relative change against the baseline.
	gain = 5.0
	// maxIdle bounds the poll interval of long steps.
	maxIdle = 500 * time.Millisecond
)

// levels are the lower edges of the respiration buckets 1 to 8.
var levels = []float64{0.6, 0.65, 0.70, 0.75, 0.80, 0.85, 0.90, 0.95}

// Level returns the bucket of a normalized respiration value.
func Level(v float64) int {
	l := 0
	for _, e := range levels {
		if v >= e {
			l++
		}
	}
	return l
}

// Output is one biofeedback value.
type Output struct {
	Metric Metric `json:"metric"`
	// Raw is the metric of the window.
	Raw float64 `json:"raw"`
	// Value is the smoothed change against the baseline, or the bucket for RSP.
	Value float64 `json:"value"`
	// Text is what is written to the feedback device.
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Options configures the worker.
type Options struct {
	SamplingRate float64
	Metric       Metric
	// Channel is the name of the input channel; empty selects the first channel of the metric's type.
	Channel string
	Window  time.Duration
	Step    time.Duration
	// Threshold is the minimum respiration span that updates the normalization range.
	Threshold float64
	// Baseline is the number of valid windows averaged into the baseline.
	Baseline int
	// Publish receives every output, it may be nil.
	Publish func(Output)
}

// DefaultOptions returns RMSSD feedback on 30 s windows every 5 s.
func DefaultOptions(samplingRate float64) Options {
	return Options{
		SamplingRate: samplingRate,
		Metric:       RMSSD,
		Window:       30 * time.Second,
		Step:         5 * time.Second,
		Threshold:    0.5,
		Baseline:     10,
	}
}

// Worker computes the biofeedback of one channel.
type Worker struct {
	opts  Options
	index int
	name  string

	win  *window.Window
	norm *window.Window
	buf  []float64

	mu       sync.Mutex
	baseline []float64
	recent   []float64
	lo, hi   float64
	latest   *Output
}

// New generates a worker for the metric's channel.
func New(channels frame.ChannelConfig, o Options) (*Worker, error) {
	t, err := o.Metric.channelType()
	if err != nil {
		return nil, err
	}

	index := -1
	if o.Channel != "" {
		i, ok := channels.Index(o.Channel)
		if !ok {
			return nil, fmt.Errorf("biofeedback channel %q not configured", o.Channel)
		}
		index = i
	} else if idx := channels.Indices(t); len(idx) > 0 {
		index = idx[0]
	}
	if index < 0 {
		return nil, fmt.Errorf("no %s channel for biofeedback metric %s", t, o.Metric)
	}
	if o.Baseline <= 0 {
		o.Baseline = 10
	}
	if o.Step <= 0 {
		o.Step = time.Second
	}

	step := int(o.SamplingRate * o.Step.Seconds())
	w := &Worker{
		opts:  o,
		index: index,
		name:  channels[index].Name,
		win:   window.New(int(o.SamplingRate*o.Window.Seconds()), step),
	}
	if o.Metric == RSP {
		w.norm = window.New(int(o.SamplingRate*normalizing.Seconds()), step)
	}
	w.Reset()

	debug.InfoLog.Printf("biofeedback %s on channel %s", o.Metric, w.name)
	return w, nil
}

// PushFiltered adds the sample of the feedback channel.
func (w *Worker) PushFiltered(f frame.FilteredFrame) {
	v := f[w.index]
	w.win.Push(v)
	if w.norm != nil {
		w.norm.Push(v)
	}
}

// Run computes the feedback of ready windows until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	idle := time.Duration(0.8 * float64(w.opts.Step))
	if idle > maxIdle {
		idle = maxIdle
	}

	for ctx.Err() == nil {
		if w.process() {
			continue
		}

		t := time.NewTimer(idle)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
}

// process handles a ready window and reports whether there was one.
func (w *Worker) process() bool {
	var ok bool
	if w.buf, ok = w.win.Take(w.buf); !ok {
		return false
	}

	out, err := w.compute(w.buf)
	if err != nil {
		debug.DebugLog.Printf("biofeedback window skipped: %v", err)
		return true
	}

	out.Metric, out.Time = w.opts.Metric, time.Now()
	w.mu.Lock()
	w.latest = &out
	w.mu.Unlock()

	debug.DebugLog.Printf("biofeedback %s: %s", out.Metric, out.Text)
	if w.opts.Publish != nil {
		w.opts.Publish(out)
	}
	return true
}

func (w *Worker) compute(x []float64) (Output, error) {
	switch w.opts.Metric {
	case RSP:
		return w.respiration(x), nil
	case EDA:
		return w.relative(mean(x))
	}

	h, err := TimeDomain(FindPeaks(x, w.opts.SamplingRate), w.opts.SamplingRate)
	if err != nil {
		return Output{}, err
	}
	switch w.opts.Metric {
	case SDNN:
		return w.relative(h.SDNN)
	case MeanNN:
		return w.relative(h.MeanNN)
	}
	return w.relative(h.RMSSD)
}

// relative compares v against the baseline of the first valid windows
// and smooths the change over the last outputs.
func (w *Worker) relative(v float64) (Output, error) {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return Output{}, fmt.Errorf("invalid metric value %v", v)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.baseline) < w.opts.Baseline {
		w.baseline = append(w.baseline, v)
	}
	b := mean(w.baseline)

	change := 1 + gain*(v-b)
	if math.Abs(b) > 1e-6 {
		change = 1 + gain*(v-b)/b
	}

	w.recent = append(w.recent[1:], change)
	s := mean(w.recent)
	return Output{Raw: v, Value: s, Text: strconv.FormatFloat(s, 'f', 3, 64)}, nil
}

// respiration normalizes the window mean by the range of the last seconds and buckets it.
func (w *Worker) respiration(x []float64) Output {
	norm := w.norm.Snapshot(nil)
	lo, hi := norm[0], norm[0]
	for _, v := range norm {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}

	w.mu.Lock()
	if hi-lo > w.opts.Threshold {
		w.lo, w.hi = lo, hi
	}
	lo, hi = w.lo, w.hi
	w.mu.Unlock()

	m := mean(x)
	v := (m - lo) / (hi - lo)
	l := Level(v)
	return Output{Raw: m, Value: float64(l), Text: strconv.Itoa(l)}
}

// Latest returns the most recent output.
func (w *Worker) Latest() (Output, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latest == nil {
		return Output{}, false
	}
	return *w.latest, true
}

// Reset starts a new baseline and empties the windows.
func (w *Worker) Reset() {
	w.win.Reset()
	if w.norm != nil {
		w.norm.Reset()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.baseline = w.baseline[:0]
	w.recent = make([]float64, smoothing)
	for i := range w.recent {
		w.recent[i] = 1
	}
	w.latest = nil
	w.lo, w.hi = 0, w.opts.Threshold
	if w.hi <= 0 {
		w.hi = 1
	}
}

// Channel returns the name of the feedback channel.
func (w *Worker) Channel() string {
	return w.name
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var s float64
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}
