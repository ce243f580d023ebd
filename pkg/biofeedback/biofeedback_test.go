package biofeedback_test

import (
	"context"
	"math"
	"testing"
	"time"

	"physiokit/pkg/biofeedback"
	"physiokit/pkg/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var channels = frame.ChannelConfig{
	{Name: "EDA", Type: frame.EDA},
	{Name: "Resp", Type: frame.Resp},
	{Name: "PPG1", Type: frame.PPG},
}

var beats = []int{50, 140, 235, 325, 420, 510, 605, 700, 790, 880}

// pulses returns n samples at 100 Hz with a gaussian pulse at every position.
func pulses(n int, pos []int) []float64 {
	x := make([]float64, n)
	for i := range x {
		for _, p := range pos {
			d := float64(i-p) / 5
			x[i] += math.Exp(-d * d / 2)
		}
		x[i] -= 0.3
	}
	return x
}

func TestLevel(t *testing.T) {
	for v, want := range map[float64]int{
		-1: 0, 0.59: 0, 0.6: 1, 0.64: 1, 0.65: 2, 0.7: 3, 0.8: 5, 0.949: 7, 0.95: 8, 1.5: 8,
	} {
		assert.Equal(t, want, biofeedback.Level(v), "level of %v", v)
	}
}

func TestFindPeaks(t *testing.T) {
	assert.Equal(t, beats, biofeedback.FindPeaks(pulses(1000, beats), 100))
	assert.Empty(t, biofeedback.FindPeaks(make([]float64, 500), 100))
}

func TestTimeDomain(t *testing.T) {
	h, err := biofeedback.TimeDomain(beats, 100)
	require.NoError(t, err)
	assert.InDelta(t, 922.2222222222222, h.MeanNN, 1e-9)
	assert.InDelta(t, 26.352313834736492, h.SDNN, 1e-9)
	assert.InDelta(t, 43.30127018922193, h.RMSSD, 1e-9)

	_, err = biofeedback.TimeDomain([]int{10, 100}, 100)
	assert.ErrorIs(t, err, biofeedback.ErrTooFewPeaks)
}

func TestUnknownMetric(t *testing.T) {
	o := biofeedback.DefaultOptions(100)
	o.Metric = "HRV_LF"
	_, err := biofeedback.New(channels, o)
	assert.Error(t, err)

	o = biofeedback.DefaultOptions(100)
	o.Channel = "PPG9"
	_, err = biofeedback.New(channels, o)
	assert.Error(t, err)
}

func run(t *testing.T, o biofeedback.Options) (*biofeedback.Worker, chan biofeedback.Output) {
	t.Helper()
	out := make(chan biofeedback.Output, 64)
	o.Publish = func(b biofeedback.Output) { out <- b }

	w, err := biofeedback.New(channels, o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w, out
}

func next(t *testing.T, out chan biofeedback.Output) biofeedback.Output {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no biofeedback output")
	}
	return biofeedback.Output{}
}

func TestHRVFeedbackAgainstBaseline(t *testing.T) {
	o := biofeedback.Options{
		SamplingRate: 100,
		Metric:       biofeedback.MeanNN,
		Window:       10 * time.Second,
		Step:         10 * time.Second,
		Baseline:     1,
	}
	w, out := run(t, o)
	assert.Equal(t, "PPG1", w.Channel())

	f := make(frame.FilteredFrame, 3)
	push := func(x []float64) {
		for _, v := range x {
			f[2] = v
			w.PushFiltered(f)
		}
	}

	push(pulses(1000, beats))
	first := next(t, out)
	assert.InDelta(t, 922.2222222222222, first.Raw, 1e-9)
	assert.InDelta(t, 1.0, first.Value, 1e-9, "the first window is the baseline")
	assert.Equal(t, "1.000", first.Text)

	// every beat interval 10% longer than the baseline
	slow := []int{20}
	for len(slow) < 10 {
		slow = append(slow, slow[len(slow)-1]+101)
	}
	push(pulses(1000, slow))
	second := next(t, out)
	change := 1 + 5*(1010-922.2222222222222)/922.2222222222222
	assert.InDelta(t, (1+1+change)/3, second.Value, 1e-9, "smoothed over the last three outputs")

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, second, latest)
}

func TestHRVWindowWithoutPeaksSkipped(t *testing.T) {
	o := biofeedback.Options{SamplingRate: 100, Metric: biofeedback.RMSSD, Window: time.Second, Step: 100 * time.Millisecond}
	w, out := run(t, o)

	f := make(frame.FilteredFrame, 3)
	for i := 0; i < 300; i++ {
		w.PushFiltered(f)
	}

	select {
	case b := <-out:
		t.Fatalf("unexpected output %v", b)
	case <-time.After(200 * time.Millisecond):
	}
	_, ok := w.Latest()
	assert.False(t, ok)
}

func TestRespirationBuckets(t *testing.T) {
	o := biofeedback.Options{
		SamplingRate: 10,
		Metric:       biofeedback.RSP,
		Window:       time.Second,
		Step:         time.Second,
		Threshold:    0.5,
	}
	w, out := run(t, o)
	assert.Equal(t, "Resp", w.Channel())

	f := make(frame.FilteredFrame, 3)
	// 5 s of a respiration range from 0 to 10
	for i := 0; i < 50; i++ {
		f[1] = float64(i % 11)
		w.PushFiltered(f)
	}
	// one window at 90% of the range
	for i := 0; i < 10; i++ {
		f[1] = 9
		w.PushFiltered(f)
	}

	var last biofeedback.Output
	for last.Text != "7" {
		last = next(t, out)
	}
	assert.Equal(t, 7.0, last.Value)
	assert.InDelta(t, 9, last.Raw, 1e-9)
}

func TestResetStartsNewBaseline(t *testing.T) {
	o := biofeedback.Options{SamplingRate: 10, Metric: biofeedback.EDA, Window: time.Second, Step: time.Second, Baseline: 1}
	w, out := run(t, o)

	f := make(frame.FilteredFrame, 3)
	push := func(v float64) {
		for i := 0; i < 10; i++ {
			f[0] = v
			w.PushFiltered(f)
		}
	}

	push(2)
	assert.InDelta(t, 1.0, next(t, out).Value, 1e-9)

	w.Reset()
	_, ok := w.Latest()
	assert.False(t, ok)

	push(4)
	b := next(t, out)
	assert.InDelta(t, 4, b.Raw, 1e-9)
	assert.InDelta(t, 1.0, b.Value, 1e-9, "4 is the new baseline")
}
