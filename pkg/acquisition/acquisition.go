// Package acquisition reads, decodes and filters the frames of the microcontroller
// and hands them to the recorder and the consumers.
package acquisition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"physiokit/pkg/decoder"
	"physiokit/pkg/filter"
	"physiokit/pkg/frame"
	"physiokit/pkg/recorder"

	"github.com/womat/debug"
)

const (
	// DefaultBackoff is the pause after a failed serial read.
	DefaultBackoff = 100 * time.Millisecond
	// pausePoll is the poll interval of a paused worker.
	pausePoll = 50 * time.Millisecond
)

// Port is the serial link to the microcontroller.
type Port interface {
	ReadLine(budget int) ([]byte, error)
	Write(b []byte) (int, error)
}

// Recorder is the part of the recording session manager used by the worker.
type Recorder interface {
	Recording() (recorder.Session, bool)
	Append(raw frame.RawFrame, marker string) bool
	RequestStop(reason recorder.StopReason) bool
}

// Options configures the worker.
type Options struct {
	Backoff       time.Duration
	MismatchLimit int
	// Recorder may be nil, frames are then never persisted.
	Recorder Recorder
	Marker   *frame.Marker
	Sinks    []frame.FilteredFrameSink
	Notifier frame.Notifier
	// Clock returns the current time, time.Now if nil.
	Clock func() time.Time
}

// Stats are the counters of the worker.
type Stats struct {
	Frames     uint64 `json:"frames"`
	Malformed  uint64 `json:"malformed"`
	ReadErrors uint64 `json:"readErrors"`
	Dropped    uint64 `json:"dropped"`
}

// Worker is the single producer of raw and filtered frames.
// It owns the filter bank; nothing else may touch it.
type Worker struct {
	port Port
	dec  *decoder.Decoder
	mon  *decoder.Monitor
	bank *filter.Bank
	opts Options

	running int32
	restart int32

	// feedback is the latest biofeedback value not yet written to the port
	fbMu     sync.Mutex
	feedback []byte

	raw      frame.RawFrame
	filtered frame.FilteredFrame

	session     string
	lastElapsed int

	frames     uint64
	malformed  uint64
	readErrors uint64
	dropped    uint64
}

// New generates a paused worker for the channels of bank.
func New(port Port, bank *filter.Bank, o Options) *Worker {
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Marker == nil {
		o.Marker = &frame.Marker{}
	}

	n := bank.Len()
	return &Worker{
		port:     port,
		dec:      decoder.New(n),
		mon:      decoder.NewMonitor(o.MismatchLimit),
		bank:     bank,
		opts:     o,
		raw:      make(frame.RawFrame, n),
		filtered: make(frame.FilteredFrame, n),
	}
}

// Start starts reading frames; filter states are cleared first.
func (w *Worker) Start() {
	if atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		atomic.StoreInt32(&w.restart, 1)
		debug.InfoLog.Print("acquisition started")
		w.status("acquisition started")
	}
}

// Pause stops reading frames until the next Start.
func (w *Worker) Pause() {
	if atomic.CompareAndSwapInt32(&w.running, 1, 0) {
		debug.InfoLog.Print("acquisition paused")
		w.status("acquisition paused")
	}
}

// Running reports whether the worker reads frames.
func (w *Worker) Running() bool {
	return atomic.LoadInt32(&w.running) == 1
}

// SetFeedbackOutput posts a biofeedback value to be written to the microcontroller
// before the next read. Only the latest value is kept.
func (w *Worker) SetFeedbackOutput(s string) {
	w.fbMu.Lock()
	defer w.fbMu.Unlock()
	w.feedback = []byte(s)
}

// Stats returns the counters of the worker.
func (w *Worker) Stats() Stats {
	return Stats{
		Frames:     atomic.LoadUint64(&w.frames),
		Malformed:  atomic.LoadUint64(&w.malformed),
		ReadErrors: atomic.LoadUint64(&w.readErrors),
		Dropped:    atomic.LoadUint64(&w.dropped),
	}
}

// Run reads frames until ctx is done. A blocked read is released by closing the port.
func (w *Worker) Run(ctx context.Context) {
	budget := w.dec.Budget()

	for ctx.Err() == nil {
		if !w.Running() {
			sleep(ctx, pausePoll)
			continue
		}

		if atomic.CompareAndSwapInt32(&w.restart, 1, 0) {
			w.bank.Reset()
			w.mon = decoder.NewMonitor(w.opts.MismatchLimit)
		}

		w.writeFeedback()

		line, err := w.port.ReadLine(budget)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if n := atomic.AddUint64(&w.readErrors, 1); n%100 == 1 {
				debug.ErrorLog.Printf("serial read: %v (%d errors)", err, n)
			}
			sleep(ctx, w.opts.Backoff)
			continue
		}

		w.process(line)
	}
}

func (w *Worker) writeFeedback() {
	w.fbMu.Lock()
	b := w.feedback
	w.feedback = nil
	w.fbMu.Unlock()

	if b == nil {
		return
	}
	if _, err := w.port.Write(b); err != nil {
		debug.ErrorLog.Printf("can't write biofeedback value: %v", err)
	}
}

// process handles one line; errors are absorbed here.
func (w *Worker) process(line []byte) {
	if err := w.dec.DecodeInto(w.raw, line); err != nil {
		atomic.AddUint64(&w.malformed, 1)
		if w.mon.Bad(err, w.dec.Channels()) {
			w.status("the received data does not match the configured channels, check the channel count")
		}
		return
	}

	w.mon.Ok()
	atomic.AddUint64(&w.frames, 1)
	w.bank.Apply(w.raw, w.filtered)
	debug.TraceLog.Printf("frame %v", w.raw)

	w.record()

	for _, s := range w.opts.Sinks {
		s.PushFiltered(w.filtered)
	}
}

// record hands the raw frame to an active recording and enforces its time limit.
func (w *Worker) record() {
	if w.opts.Recorder == nil {
		return
	}
	s, ok := w.opts.Recorder.Recording()
	if !ok {
		return
	}

	if s.ID != w.session {
		w.session, w.lastElapsed = s.ID, 0
	}

	now := w.opts.Clock()
	if s.LimitReached(now) {
		if w.opts.Recorder.RequestStop(recorder.TimeLimitReached) {
			debug.InfoLog.Printf("time limit of %v reached", s.Limit)
		}
		return
	}

	if !w.opts.Recorder.Append(w.raw, w.opts.Marker.Current()) {
		atomic.AddUint64(&w.dropped, 1)
	}

	if sec := int(s.Elapsed(now).Round(time.Second) / time.Second); sec > w.lastElapsed {
		w.lastElapsed = sec
		if w.opts.Notifier != nil {
			w.opts.Notifier.Elapsed(sec)
		}
	}
}

func (w *Worker) status(msg string) {
	if w.opts.Notifier != nil {
		w.opts.Notifier.Status(msg)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
