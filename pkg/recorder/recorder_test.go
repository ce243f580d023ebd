package recorder_test

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"physiokit/pkg/frame"
	"physiokit/pkg/recorder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var channels = frame.ChannelConfig{
	{Name: "EDA", Type: frame.EDA},
	{Name: "Resp", Type: frame.Resp},
	{Name: "PPG1", Type: frame.PPG},
}

type notes struct {
	sync.Mutex
	status []string
}

func (n *notes) Elapsed(int) {}

func (n *notes) Status(msg string) {
	n.Lock()
	defer n.Unlock()
	n.status = append(n.status, msg)
}

func (n *notes) contains(s string) bool {
	n.Lock()
	defer n.Unlock()
	for _, m := range n.status {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

type syncer struct{ err error }

func (s syncer) Arm(context.Context) error { return s.err }

type blockingSyncer struct{}

func (blockingSyncer) Arm(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type exporter struct {
	mu    sync.Mutex
	paths []string
}

func (e *exporter) Export(path string, _ recorder.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths = append(e.paths, path)
	return nil
}

func start(t *testing.T, o recorder.Options) *recorder.Recorder {
	t.Helper()
	if o.DataDir == "" {
		o.DataDir = t.TempDir()
	}
	o.Participant, o.Experiment, o.Condition = "p01", "stroop", "baseline"

	r, err := recorder.New(channels, o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		_ = r.Close()
		cancel()
	})
	return r
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func finalFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var files []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func TestTempFileOpenedEagerly(t *testing.T) {
	r := start(t, recorder.Options{})

	assert.Equal(t, recorder.Idle, r.State())
	rows := readCSV(t, r.TempPath())
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"EDA", "Resp", "PPG1", "event_code"}, rows[0])
}

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := start(t, recorder.Options{Naming: recorder.Naming{DataDir: dir}})

	assert.False(t, r.Append(frame.RawFrame{1, 2, 3}, ""), "idle recorder refuses frames")

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, recorder.Recording, r.State())
	temp := r.TempPath()

	for i := 0; i < 250; i++ {
		marker := ""
		if i >= 100 && i < 110 {
			marker = "7"
		}
		require.True(t, r.Append(frame.RawFrame{i, 2 * i, -i}, marker))
	}

	s, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, 250, s.Rows)
	assert.Equal(t, recorder.StopRequested, s.Reason)
	assert.Equal(t, recorder.Idle, r.State())

	_, err = os.Stat(temp)
	assert.True(t, os.IsNotExist(err), "temp file is moved")
	assert.NotEqual(t, temp, r.TempPath(), "a fresh temp file is ready")
	assert.FileExists(t, r.TempPath())

	files := finalFiles(t, dir)
	require.Len(t, files, 1)
	assert.Equal(t, s.Path, files[0])
	assert.True(t, strings.HasPrefix(filepath.Base(s.Path), "p01_stroop_baseline_"))

	rows := readCSV(t, s.Path)
	require.Len(t, rows, 251)
	assert.Equal(t, []string{"EDA", "Resp", "PPG1", "event_code"}, rows[0])
	assert.Equal(t, []string{"0", "0", "0", ""}, rows[1])
	assert.Equal(t, []string{"100", "200", "-100", "7"}, rows[101])
	assert.Equal(t, []string{"249", "498", "-249", ""}, rows[250])

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, s.ID, last.ID)
}

func TestTimeLimitFinalizesOnce(t *testing.T) {
	dir := t.TempDir()
	n := &notes{}
	r := start(t, recorder.Options{Naming: recorder.Naming{DataDir: dir}, Notifier: n})

	require.NoError(t, r.Start(context.Background()))
	for i := 0; i < 100; i++ {
		require.True(t, r.Append(frame.RawFrame{i, i, i}, ""))
	}

	assert.True(t, r.RequestStop(recorder.TimeLimitReached))
	assert.False(t, r.RequestStop(recorder.TimeLimitReached), "repeated requests are ignored")
	assert.False(t, r.Append(frame.RawFrame{1, 1, 1}, ""), "no frames after the limit")

	require.Eventually(t, func() bool { return r.State() == recorder.Idle }, 2*time.Second, 5*time.Millisecond)

	files := finalFiles(t, dir)
	require.Len(t, files, 1, "exactly one final file")
	assert.Len(t, readCSV(t, files[0]), 101)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, recorder.TimeLimitReached, last.Reason)
	assert.FileExists(t, r.TempPath())
	assert.True(t, n.contains("data saved"))

	_, err := r.Stop()
	assert.ErrorIs(t, err, recorder.ErrNotRecording)
}

func TestSecondRecordingStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	r := start(t, recorder.Options{Naming: recorder.Naming{DataDir: dir}})

	require.NoError(t, r.Start(context.Background()))
	r.Append(frame.RawFrame{1, 2, 3}, "")
	_, err := r.Stop()
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	r.Append(frame.RawFrame{4, 5, 6}, "")
	r.Append(frame.RawFrame{7, 8, 9}, "")
	s, err := r.Stop()
	require.NoError(t, err)

	rows := readCSV(t, s.Path)
	require.Len(t, rows, 3)
	assert.Equal(t, "4", rows[1][0])
	assert.Len(t, finalFiles(t, dir), 2)
}

func TestStartWhileRecording(t *testing.T) {
	r := start(t, recorder.Options{})

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), recorder.ErrNotIdle)
	assert.ErrorIs(t, r.Reset(), recorder.ErrNotIdle)
}

func TestReset(t *testing.T) {
	r := start(t, recorder.Options{})
	require.NoError(t, r.Reset())

	require.Eventually(t, func() bool {
		rows := readCSV(t, r.TempPath())
		return len(rows) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSyncedStart(t *testing.T) {
	r := start(t, recorder.Options{Sync: syncer{}})

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, recorder.Recording, r.State())
}

func TestSyncedStartPeerUnavailable(t *testing.T) {
	n := &notes{}
	r := start(t, recorder.Options{Sync: syncer{err: errors.New("connection refused")}, Notifier: n})

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, recorder.ErrPeerUnavailable)
	assert.Equal(t, recorder.Idle, r.State())
	assert.True(t, n.contains("peer not available"))
	assert.False(t, r.Append(frame.RawFrame{1, 2, 3}, ""))
}

func TestStopWhileArmed(t *testing.T) {
	r := start(t, recorder.Options{Sync: blockingSyncer{}})

	errc := make(chan error, 1)
	go func() { errc <- r.Start(context.Background()) }()
	require.Eventually(t, func() bool { return r.State() == recorder.Armed }, time.Second, time.Millisecond)

	_, err := r.Stop()
	assert.ErrorIs(t, err, recorder.ErrStartCancelled)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, recorder.ErrPeerUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("start still blocked")
	}
	assert.Equal(t, recorder.Idle, r.State())
}

func TestExporters(t *testing.T) {
	e := &exporter{}
	r := start(t, recorder.Options{Exporters: []recorder.Exporter{e}})

	require.NoError(t, r.Start(context.Background()))
	r.Append(frame.RawFrame{1, 2, 3}, "")
	s, err := r.Stop()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.paths) == 1 && e.paths[0] == s.Path
	}, time.Second, 5*time.Millisecond)
}

func TestCloseFinalizesRecording(t *testing.T) {
	dir := t.TempDir()
	r, err := recorder.New(channels, recorder.Options{Naming: recorder.Naming{DataDir: dir}})
	require.NoError(t, err)
	go r.Run(context.Background())

	require.NoError(t, r.Start(context.Background()))
	r.Append(frame.RawFrame{1, 2, 3}, "")
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the final file is left")
	assert.False(t, strings.HasPrefix(entries[0].Name(), "."))

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, recorder.Shutdown, last.Reason)
	assert.Equal(t, 1, last.Rows)
}

func TestCloseRemovesIdleTempFile(t *testing.T) {
	dir := t.TempDir()
	r, err := recorder.New(channels, recorder.Options{Naming: recorder.Naming{DataDir: dir}})
	require.NoError(t, err)
	go r.Run(context.Background())

	require.NoError(t, r.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCloseWhileRunStarts(t *testing.T) {
	for i := 0; i < 50; i++ {
		dir := t.TempDir()
		r, err := recorder.New(channels, recorder.Options{Naming: recorder.Naming{DataDir: dir}})
		require.NoError(t, err)
		go r.Run(context.Background())

		require.NoError(t, r.Close())
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestRunAfterClose(t *testing.T) {
	r, err := recorder.New(channels, recorder.Options{Naming: recorder.Naming{DataDir: t.TempDir()}})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after close")
	}
	assert.False(t, r.Append(frame.RawFrame{1, 2, 3}, ""))
}

func TestFinalPathCleansNames(t *testing.T) {
	n := recorder.Naming{DataDir: "data", Participant: "p 1", Experiment: "a/b"}
	s := recorder.Session{Start: time.Unix(1700000000, 0)}

	name := filepath.Base(n.FinalPath(&s))
	assert.True(t, strings.HasPrefix(name, "p-1_a-b_na_1700000000_"), name)
	assert.True(t, strings.HasSuffix(name, ".csv"))
	assert.NotEqual(t, n.FinalPath(&s), n.FinalPath(&s), "random part")
}
