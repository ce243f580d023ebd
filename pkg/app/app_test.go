package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"physiokit/pkg/app/config"
	"physiokit/pkg/biofeedback"
	"physiokit/pkg/frame"
	"physiokit/pkg/recorder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// port produces a frame every millisecond until it is closed.
type port struct {
	n      int64
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newPort() *port {
	return &port{closed: make(chan struct{})}
}

func (p *port) ReadLine(int) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, errors.New("port closed")
	case <-time.After(time.Millisecond):
	}
	i := atomic.AddInt64(&p.n, 1)
	return []byte(strconv.FormatInt(i, 10) + "," + strconv.FormatInt(-i, 10) + "\r\n"), nil
}

func (p *port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, string(b))
	return len(b), nil
}

func (p *port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func testConfig(t *testing.T) *config.Config {
	c := config.NewConfig()
	c.Webserver.URL = ""
	c.SamplingRate = 100
	c.Channels = frame.ChannelConfig{
		{Name: "EDA", Type: frame.EDA},
		{Name: "PPG1", Type: frame.PPG},
	}
	c.Experiment.DataDir = t.TempDir()
	c.Experiment.Participant = "p01"
	return c
}

func start(t *testing.T, c *config.Config) (*App, *port) {
	t.Helper()
	a, err := New(c)
	require.NoError(t, err)

	p := newPort()
	a.port = p
	require.NoError(t, a.Run())
	t.Cleanup(func() { _ = a.Close() })
	return a, p
}

func call(t *testing.T, a *App, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.web.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestVersion(t *testing.T) {
	a, _ := start(t, testConfig(t))

	code, body := call(t, a, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, code)

	var v map[string]string
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, MODULE, v["description"])
	assert.Equal(t, VERSION, v["version"])
}

func TestRecordingLifecycle(t *testing.T) {
	a, _ := start(t, testConfig(t))

	code, _ := call(t, a, http.MethodPost, "/recording/start", "")
	assert.Equal(t, http.StatusConflict, code, "acquisition is not running")

	code, _ = call(t, a, http.MethodPost, "/acquisition/start", "")
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool { return a.acq.Stats().Frames > 10 }, 2*time.Second, 5*time.Millisecond)

	code, body := call(t, a, http.MethodPost, "/marker", `{"code":"3","on":true}`)
	require.Equal(t, http.StatusOK, code)
	var m markerStatus
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "3", m.Code)
	assert.True(t, m.On)

	code, _ = call(t, a, http.MethodPost, "/recording/start", "")
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		s, ok := a.rec.Recording()
		return ok && s.Rows > 20
	}, 2*time.Second, 5*time.Millisecond)

	code, body = call(t, a, http.MethodPost, "/recording/stop", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var s recorder.Session
	require.NoError(t, json.Unmarshal(body, &s))
	assert.Contains(t, s.Path, "p01_experiment_condition_")

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "EDA,PPG1,event_code", strings.TrimSpace(lines[0]))
	assert.Equal(t, s.Rows+1, len(lines))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), ",3"), lines[1])

	code, _ = call(t, a, http.MethodPost, "/recording/stop", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = call(t, a, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	var st statusResp
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Acquisition.Running)
	assert.Equal(t, "idle", st.Recording.State)
	require.NotNil(t, st.Recording.Last)
	assert.Equal(t, s.ID, st.Recording.Last.ID)
	assert.NotEmpty(t, st.Messages)

	code, _ = call(t, a, http.MethodPost, "/recording/reset", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestSessionLimitDecodes(t *testing.T) {
	c := testConfig(t)
	c.Experiment.Duration = time.Minute
	a, _ := start(t, c)

	call(t, a, http.MethodPost, "/acquisition/start", "")
	code, body := call(t, a, http.MethodPost, "/recording/start", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var s recorder.Session
	require.NoError(t, json.Unmarshal(body, &s))
	assert.Equal(t, time.Minute, s.Limit)

	code, body = call(t, a, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	var st statusResp
	require.NoError(t, json.Unmarshal(body, &st))
	require.NotNil(t, st.Recording.Session)
	assert.Equal(t, time.Minute, st.Recording.Session.Limit)
}

func TestAcquisitionStopFinalizesRecording(t *testing.T) {
	a, _ := start(t, testConfig(t))

	call(t, a, http.MethodPost, "/acquisition/start", "")
	code, _ := call(t, a, http.MethodPost, "/recording/start", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = call(t, a, http.MethodPost, "/acquisition/stop", "")
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		_, ok := a.rec.Last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, a.acq.Running())
}

func TestMarkerValidation(t *testing.T) {
	a, _ := start(t, testConfig(t))

	code, _ := call(t, a, http.MethodPost, "/marker", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, a, http.MethodPost, "/marker", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDisabledServices(t *testing.T) {
	c := testConfig(t)
	c.Webserver.Webservices["health"] = false
	a, _ := start(t, c)

	code, _ := call(t, a, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, a, http.MethodGet, "/quality", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, a, http.MethodGet, "/feedback", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCloseRemovesIdleTempFile(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	a.port = newPort()
	require.NoError(t, a.Run())

	temp := a.rec.TempPath()
	assert.FileExists(t, temp)
	require.NoError(t, a.Close())
	assert.NoFileExists(t, temp)
}

func TestFeedbackToUART(t *testing.T) {
	c := testConfig(t)
	c.Biofeedback.Enabled = true
	c.Biofeedback.Metric = string(biofeedback.EDA)
	c.Biofeedback.Output = []string{config.OutputUART}
	a, p := start(t, c)

	a.publishFeedback(biofeedback.Output{Metric: biofeedback.EDA, Value: 1.2, Text: "1.200"})
	call(t, a, http.MethodPost, "/acquisition/start", "")

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.written) == 1
	}, 2*time.Second, 5*time.Millisecond)
	p.mu.Lock()
	assert.Equal(t, "1.200\n", p.written[0])
	p.mu.Unlock()

	code, _ := call(t, a, http.MethodGet, "/feedback", "")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestLedShare(t *testing.T) {
	assert.Equal(t, 0.5, ledShare(biofeedback.Output{Metric: biofeedback.RSP, Value: 4}))
	assert.Equal(t, 0.5, ledShare(biofeedback.Output{Metric: biofeedback.RMSSD, Value: 1}))
}
