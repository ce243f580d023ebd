// Package recorder persists raw frames to crash safe temp files and moves every
// finished recording atomically to its final name.
package recorder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"physiokit/pkg/frame"

	"github.com/womat/debug"
)

var (
	ErrNotIdle         = errors.New("recorder is not idle")
	ErrNotRecording    = errors.New("recorder is not recording")
	ErrStartCancelled  = errors.New("recording start cancelled")
	ErrPeerUnavailable = errors.New("peer not available, retry")
	ErrClosed          = errors.New("recorder closed")
	ErrTimeout         = errors.New("recorder did not respond in time")
)

// EventCodeColumn is the last column of every recording.
const EventCodeColumn = "event_code"

const (
	defaultQueueSize = 4096
	// grace is the time Stop and Close wait for the recorder goroutine.
	grace = 5 * time.Second
)

// Syncer delivers the go-signal of a multi-station recording start.
type Syncer interface {
	// Arm blocks until all stations may start recording or returns an error.
	Arm(ctx context.Context) error
}

// Exporter converts a finalized recording into an additional format.
type Exporter interface {
	Export(csvPath string, s Session) error
}

// Options configures the recorder.
type Options struct {
	Naming
	// Limit is the hard time limit of every recording, 0 for untimed recordings.
	Limit time.Duration
	// QueueSize is the number of rows buffered between acquisition and disk.
	QueueSize int
	// Sync is nil unless multi-station synchronization is enabled.
	Sync      Syncer
	Exporters []Exporter
	Notifier  frame.Notifier
}

type itemKind int

const (
	rowItem itemKind = iota
	startItem
	stopItem
	resetItem
)

type item struct {
	kind   itemKind
	values []int
	marker string
	// done receives the finalized session of a stop item.
	done chan Session
}

// Recorder is the recording session manager.
// Append and RequestStop are called on the acquisition goroutine and never block.
type Recorder struct {
	opts   Options
	header []string

	// mu guards state, session and cancelArm, and orders queue sends against state changes.
	mu        sync.Mutex
	state     State
	session   *Session
	last      *Session
	cancelArm context.CancelFunc

	queue chan item
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	// temp is the path of the open temp file
	temp string

	// owned by the run goroutine
	file    *os.File
	w       *csv.Writer
	record  []string
	pending int

	exports sync.WaitGroup
	// running moves from notStarted to started by Run or to closed by Close, whichever comes first
	running int32

	// rows and rowsFailed count the active session
	rows       int64
	rowsFailed int64

	dropped uint64
	failed  uint64
	written uint64
}

// New generates a recorder and eagerly opens the first temp file.
func New(channels frame.ChannelConfig, o Options) (*Recorder, error) {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.DataDir == "" {
		o.DataDir = "."
	}
	if err := os.MkdirAll(o.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create data directory %q: %w", o.DataDir, err)
	}

	r := &Recorder{
		opts:   o,
		header: append(channels.Names(), EventCodeColumn),
		queue:  make(chan item, o.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		record: make([]string, len(channels)+1),
	}

	if err := r.openTemp(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the column names of every recording.
func (r *Recorder) Header() []string {
	return append([]string(nil), r.header...)
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Recording returns the active session, or false if no recording is in progress.
func (r *Recorder) Recording() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Recording || r.session == nil {
		return Session{}, false
	}
	return r.snapshot(), true
}

// snapshot copies the active session; r.mu must be held.
func (r *Recorder) snapshot() Session {
	s := *r.session
	s.Rows = int(atomic.LoadInt64(&r.rows))
	s.Failed = int(atomic.LoadInt64(&r.rowsFailed))
	return s
}

// Last returns the most recently finalized session.
func (r *Recorder) Last() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == nil {
		return Session{}, false
	}
	return *r.last, true
}

// SetLimit changes the hard time limit of the following recordings.
func (r *Recorder) SetLimit(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Limit = d
}

// Start starts a recording. Without synchronization it moves straight to Recording.
// With synchronization it is Armed until the go-signal arrives; this call blocks until then.
// If the peer is not available the recorder returns to Idle and ErrPeerUnavailable is returned.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Idle {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIdle, s)
	}

	if r.opts.Sync == nil {
		r.begin()
		r.mu.Unlock()
		return nil
	}

	r.state = Armed
	armCtx, cancel := context.WithCancel(ctx)
	r.cancelArm = cancel
	r.mu.Unlock()

	r.status("waiting for the synchronization signal")
	err := r.opts.Sync.Arm(armCtx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelArm = nil

	if r.state != Armed {
		// stopped while armed
		return fmt.Errorf("%w: start cancelled", ErrPeerUnavailable)
	}
	if err != nil {
		r.state = Idle
		debug.ErrorLog.Printf("recording not started: %v", err)
		r.status("peer not available, retry")
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}

	r.begin()
	return nil
}

// begin moves to Recording; r.mu must be held.
// The run goroutine only takes r.mu while finalizing, which can't be pending in Idle.
func (r *Recorder) begin() {
	r.session = newSession(time.Now(), r.opts.Limit, r.Header())
	r.state = Recording
	// the queue only holds rows of a previous session if it was full; block until there is room
	r.queue <- item{kind: startItem}
	debug.InfoLog.Printf("recording %s started", r.session.ID)
	r.status("recording started")
}

// Append queues one row of raw channel values and the event marker.
// It returns false if no recording is in progress or the queue is full.
func (r *Recorder) Append(raw frame.RawFrame, marker string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Recording {
		return false
	}

	select {
	case r.queue <- item{kind: rowItem, values: append([]int(nil), raw...), marker: marker}:
		return true
	default:
		atomic.AddUint64(&r.dropped, 1)
		return false
	}
}

// RequestStop asks to finalize the active recording without waiting for it.
// It returns false if there was nothing to stop; repeated requests are ignored.
func (r *Recorder) RequestStop(reason StopReason) bool {
	it, err := r.stop(reason)
	if err != nil {
		return false
	}

	select {
	case r.queue <- it:
	default:
		// rows are refused from now on, so the queue drains
		go func() { r.queue <- it }()
	}
	return true
}

// Stop finalizes the active recording and waits for the final file.
// Stopping an armed recorder cancels the start and returns ErrStartCancelled.
func (r *Recorder) Stop() (Session, error) {
	it, err := r.stop(StopRequested)
	if err != nil {
		return Session{}, err
	}

	r.queue <- it
	select {
	case s := <-it.done:
		return s, nil
	case <-time.After(grace):
		return Session{}, ErrTimeout
	}
}

func (r *Recorder) stop(reason StopReason) (item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Armed:
		if r.cancelArm != nil {
			r.cancelArm()
		}
		r.state = Idle
		return item{}, ErrStartCancelled
	case Recording:
		r.state = Finalizing
		r.session.Reason = reason
		debug.InfoLog.Printf("stopping recording %s: %s", r.session.ID, reason)
		return item{kind: stopItem, done: make(chan Session, 1)}, nil
	}
	return item{}, ErrNotRecording
}

// Reset discards the content of the idle temp file.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Idle {
		return fmt.Errorf("%w: %s", ErrNotIdle, r.state)
	}
	r.queue <- item{kind: resetItem}
	return nil
}

// Stats returns the count of written, dropped (queue full) and failed (disk error) rows.
func (r *Recorder) Stats() (written, dropped, failed uint64) {
	return atomic.LoadUint64(&r.written), atomic.LoadUint64(&r.dropped), atomic.LoadUint64(&r.failed)
}

const (
	notStarted int32 = iota
	started
	closed
)

// Run writes queued rows until Close is called.
// Run returns at once if the recorder is already running or closed.
func (r *Recorder) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.running, notStarted, started) {
		return
	}
	defer close(r.done)

	for {
		select {
		case <-r.quit:
			r.drain()
			return
		case <-ctx.Done():
			r.drain()
			return
		case it := <-r.queue:
			r.handle(it)
			r.drain()
		}
	}
}

// drain handles everything queued so far and flushes the writer.
func (r *Recorder) drain() {
	for {
		select {
		case it := <-r.queue:
			r.handle(it)
		default:
			r.flush()
			return
		}
	}
}

func (r *Recorder) handle(it item) {
	switch it.kind {
	case rowItem:
		r.write(it.values, it.marker)
	case startItem:
		atomic.StoreInt64(&r.rows, 0)
		atomic.StoreInt64(&r.rowsFailed, 0)
		r.clearTemp()
	case resetItem:
		r.clearTemp()
		debug.InfoLog.Print("temp file reset")
	case stopItem:
		s := r.finalize()
		it.done <- s
	}
}

func (r *Recorder) write(values []int, marker string) {
	if r.w == nil {
		r.fail(errors.New("no temp file open"))
		return
	}
	if len(values) >= len(r.record) {
		r.fail(fmt.Errorf("row with %d values for %d channels", len(values), len(r.record)-1))
		return
	}

	for i, v := range values {
		r.record[i] = strconv.Itoa(v)
	}
	r.record[len(values)] = marker

	if err := r.w.Write(r.record[:len(values)+1]); err != nil {
		r.fail(err)
		return
	}
	r.pending++
}

// flush writes buffered rows to the temp file and accounts them.
func (r *Recorder) flush() {
	if r.w == nil || r.pending == 0 {
		return
	}

	n := r.pending
	r.pending = 0
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		atomic.AddUint64(&r.failed, uint64(n))
		r.fail(err)
		return
	}

	atomic.AddUint64(&r.written, uint64(n))
	atomic.AddInt64(&r.rows, int64(n))
}

func (r *Recorder) fail(err error) {
	f := atomic.AddUint64(&r.failed, 1)
	atomic.AddInt64(&r.rowsFailed, 1)

	// the first failure and then every 1000th
	if f%1000 == 1 {
		debug.ErrorLog.Printf("can't write recording: %v", err)
		r.status(fmt.Sprintf("data not saved to disk: %v", err))
	}
}

// finalize closes the temp file, moves it to the final path and opens the next temp file.
func (r *Recorder) finalize() Session {
	r.flush()

	r.mu.Lock()
	s := r.snapshot()
	temp := r.temp
	r.mu.Unlock()

	path := r.opts.FinalPath(&s)
	if err := r.closeTemp(); err != nil {
		debug.ErrorLog.Printf("can't close temp file %s: %v", temp, err)
	}

	if err := os.Rename(temp, path); err != nil {
		debug.ErrorLog.Printf("can't move %s to %s: %v", temp, path, err)
		r.status("error saving data")
	} else {
		s.Path = path
		debug.InfoLog.Printf("recording %s saved to %s (%d rows, %s)", s.ID, path, s.Rows, s.Reason)
		r.status(fmt.Sprintf("recording stopped and data saved for: experiment %s, condition %s", r.opts.Experiment, r.opts.Condition))
		r.export(path, s)
	}

	// prepare the next recording
	if err := r.openTemp(); err != nil {
		debug.ErrorLog.Printf("can't open next temp file: %v", err)
	}

	r.mu.Lock()
	r.last = &s
	r.session = nil
	r.state = Idle
	r.mu.Unlock()
	return s
}

func (r *Recorder) export(path string, s Session) {
	for _, e := range r.opts.Exporters {
		r.exports.Add(1)
		go func(e Exporter) {
			defer r.exports.Done()
			if err := e.Export(path, s); err != nil {
				debug.ErrorLog.Printf("export of %s: %v", path, err)
			}
		}(e)
	}
}

func (r *Recorder) openTemp() error {
	path := r.opts.tempPath(time.Now())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("can't open temp file: %w", err)
	}

	r.mu.Lock()
	r.temp = path
	r.mu.Unlock()

	r.file = f
	r.w = csv.NewWriter(f)
	if err := r.w.Write(r.header); err != nil {
		return err
	}
	r.w.Flush()
	debug.DebugLog.Printf("temp file %s opened", path)
	return r.w.Error()
}

// clearTemp truncates the temp file down to the header row.
func (r *Recorder) clearTemp() {
	if r.file == nil {
		if err := r.openTemp(); err != nil {
			r.fail(err)
		}
		return
	}

	r.pending = 0
	if err := r.file.Truncate(0); err != nil {
		r.fail(err)
		return
	}
	if _, err := r.file.Seek(0, 0); err != nil {
		r.fail(err)
		return
	}

	r.w = csv.NewWriter(r.file)
	if err := r.w.Write(r.header); err != nil {
		r.fail(err)
	}
	r.w.Flush()
}

func (r *Recorder) closeTemp() error {
	if r.file == nil {
		return nil
	}

	r.w.Flush()
	err := r.w.Error()
	if e := r.file.Sync(); err == nil {
		err = e
	}
	if e := r.file.Close(); err == nil {
		err = e
	}
	r.file, r.w = nil, nil
	return err
}

// TempPath returns the path of the current temp file.
func (r *Recorder) TempPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.temp
}

// Close finalizes an active recording, stops the recorder goroutine
// and removes the unused temp file.
func (r *Recorder) Close() error {
	if r.State() == Recording {
		if it, err := r.stop(Shutdown); err == nil {
			r.queue <- it
			select {
			case <-it.done:
			case <-time.After(grace):
				debug.ErrorLog.Print("recording not finalized in time")
			}
		}
	} else {
		_, _ = r.stop(Shutdown)
	}

	var err error
	r.once.Do(func() {
		close(r.quit)
		if !atomic.CompareAndSwapInt32(&r.running, notStarted, closed) {
			select {
			case <-r.done:
			case <-time.After(grace):
				err = ErrTimeout
				return
			}
		}

		r.exports.Wait()
		if e := r.closeTemp(); e != nil {
			debug.ErrorLog.Printf("can't close temp file: %v", e)
		}
		if e := os.Remove(r.TempPath()); e != nil && !os.IsNotExist(e) {
			err = e
		}
	})
	return err
}

func (r *Recorder) status(msg string) {
	if r.opts.Notifier != nil {
		r.opts.Notifier.Status(msg)
	}
}
