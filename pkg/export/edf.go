package export

import (
	"fmt"
	"os"
	"time"

	"physiokit/pkg/recorder"

	"github.com/OpenPSG/edf"
	"github.com/womat/debug"
)

const (
	digitalMin = -32768
	digitalMax = 32767
	// maxRecordBytes is the data record size limit recommended by the EDF standard.
	maxRecordBytes = 61440
)

// EDF writes an .edf file with one signal per channel and one second data records.
// An incomplete trailing second is dropped. Event codes are not part of the EDF file.
type EDF struct {
	SamplingRate int
	Participant  string
	Experiment   string
}

// Export implements recorder.Exporter.
func (e *EDF) Export(csvPath string, s recorder.Session) error {
	r, err := Load(csvPath)
	if err != nil {
		return err
	}

	path := sibling(csvPath, ".edf")
	if err = writeAtomic(path, func(f *os.File) error { return e.write(f, r, s) }); err != nil {
		return fmt.Errorf("edf export of %s: %w", csvPath, err)
	}

	debug.InfoLog.Printf("recording %s exported to %s", s.ID, path)
	return nil
}

func (e *EDF) write(f *os.File, r *Recording, s recorder.Session) error {
	fs := e.SamplingRate
	if fs <= 0 {
		return fmt.Errorf("invalid sampling rate %d", fs)
	}
	if n := fs * len(r.Channels) * 2; n > maxRecordBytes {
		return fmt.Errorf("data record of %d bytes exceeds %d bytes", n, maxRecordBytes)
	}

	records := r.Rows() / fs
	if records == 0 {
		return fmt.Errorf("%w: less than one second", ErrEmpty)
	}

	hdr := edf.Header{
		Version:            edf.Version0,
		PatientID:          e.Participant,
		RecordingID:        fmt.Sprintf("%s %s", e.Experiment, s.ID),
		StartTime:          s.Start,
		DataRecordDuration: time.Second,
		SignalCount:        len(r.Channels),
	}
	for i, name := range r.Channels {
		lo, hi := bounds(r.Samples[i][:records*fs])
		hdr.Signals = append(hdr.Signals, edf.Signal{
			Label:            name,
			PhysicalMin:      lo,
			PhysicalMax:      hi,
			DigitalMin:       digitalMin,
			DigitalMax:       digitalMax,
			SamplesPerRecord: fs,
		})
	}

	w, err := edf.Create(f, hdr)
	if err != nil {
		return err
	}

	record := make([][]float64, len(r.Channels))
	for i := range record {
		record[i] = make([]float64, fs)
	}
	for n := 0; n < records; n++ {
		for i, col := range r.Samples {
			for j, v := range col[n*fs : (n+1)*fs] {
				record[i][j] = float64(v)
			}
		}
		if err = w.Write(record); err != nil {
			return err
		}
	}
	return w.Close()
}

// bounds returns the physical range of a signal; a flat signal gets a range of one.
func bounds(x []int) (float64, float64) {
	lo, hi := x[0], x[0]
	for _, v := range x {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		hi++
	}
	return float64(lo), float64(hi)
}
