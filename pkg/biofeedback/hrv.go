package biofeedback

import (
	"errors"
	"math"
)

var ErrTooFewPeaks = errors.New("too few peaks in window")

// FindPeaks returns the systolic peak positions of a ppg window (Elgendi et al. 2013):
// blocks of interest are where the short moving average of the squared, clipped signal
// exceeds the beat-length moving average plus an offset.
func FindPeaks(x []float64, fs float64) []int {
	n := len(x)
	if n == 0 || fs <= 0 {
		return nil
	}

	sq := make([]float64, n)
	var mean float64
	for i, v := range x {
		if v > 0 {
			sq[i] = v * v
		}
		mean += sq[i]
	}
	mean /= float64(n)

	peakWin := int(math.Round(0.111 * fs))
	beatWin := int(math.Round(0.667 * fs))
	maPeak := movingAverage(sq, peakWin)
	maBeat := movingAverage(sq, beatWin)
	offset := 0.02 * mean
	minDelay := int(math.Round(0.3 * fs))

	var peaks []int
	for i := 0; i < n; {
		if maPeak[i] <= maBeat[i]+offset {
			i++
			continue
		}

		start := i
		for i < n && maPeak[i] > maBeat[i]+offset {
			i++
		}
		if i-start < peakWin {
			continue
		}

		p := start
		for j := start; j < i; j++ {
			if x[j] > x[p] {
				p = j
			}
		}
		if len(peaks) == 0 || p-peaks[len(peaks)-1] > minDelay {
			peaks = append(peaks, p)
		}
	}
	return peaks
}

// movingAverage is a centered moving average of width k.
func movingAverage(x []float64, k int) []float64 {
	out := make([]float64, len(x))
	if k <= 1 {
		copy(out, x)
		return out
	}

	prefix := make([]float64, len(x)+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v
	}

	half := k / 2
	for i := range x {
		lo, hi := i-half, i-half+k
		if lo < 0 {
			lo = 0
		}
		if hi > len(x) {
			hi = len(x)
		}
		out[i] = (prefix[hi] - prefix[lo]) / float64(k)
	}
	return out
}

// HRV holds the time domain heart rate variability of a window, all in milliseconds.
type HRV struct {
	MeanNN float64
	SDNN   float64
	RMSSD  float64
}

// TimeDomain computes the HRV of the peak positions; at least three peaks are needed.
func TimeDomain(peaks []int, fs float64) (HRV, error) {
	if len(peaks) < 3 {
		return HRV{}, ErrTooFewPeaks
	}

	rr := make([]float64, len(peaks)-1)
	for i := range rr {
		rr[i] = float64(peaks[i+1]-peaks[i]) / fs * 1000
	}

	var h HRV
	for _, v := range rr {
		h.MeanNN += v
	}
	h.MeanNN /= float64(len(rr))

	var ss, sd float64
	for i, v := range rr {
		ss += (v - h.MeanNN) * (v - h.MeanNN)
		if i > 0 {
			d := v - rr[i-1]
			sd += d * d
		}
	}
	h.SDNN = math.Sqrt(ss / float64(len(rr)-1))
	h.RMSSD = math.Sqrt(sd / float64(len(rr)-1))
	return h, nil
}
