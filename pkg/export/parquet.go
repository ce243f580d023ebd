package export

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"physiokit/pkg/recorder"

	"github.com/segmentio/parquet-go"
	"github.com/womat/debug"
)

// Sample is one channel value of one row, the recording in long format.
type Sample struct {
	Row       int64  `parquet:"row"`
	Channel   string `parquet:"channel,dict"`
	Value     int32  `parquet:"value"`
	EventCode string `parquet:"event_code,dict"`
}

// rowGroup is the number of samples written at once.
const rowGroup = 8192

// Parquet writes a .parquet file in long format, with the session as key value metadata.
type Parquet struct {
	SamplingRate int
}

// Export implements recorder.Exporter.
func (p *Parquet) Export(csvPath string, s recorder.Session) error {
	r, err := Load(csvPath)
	if err != nil {
		return err
	}

	path := sibling(csvPath, ".parquet")
	if err = writeAtomic(path, func(f *os.File) error { return p.write(f, r, s) }); err != nil {
		return fmt.Errorf("parquet export of %s: %w", csvPath, err)
	}

	debug.InfoLog.Printf("recording %s exported to %s", s.ID, path)
	return nil
}

func (p *Parquet) write(f *os.File, r *Recording, s recorder.Session) error {
	session, err := json.Marshal(s)
	if err != nil {
		return err
	}

	w := parquet.NewGenericWriter[Sample](f,
		parquet.KeyValueMetadata("session", string(session)),
		parquet.KeyValueMetadata("samplingrate", strconv.Itoa(p.SamplingRate)),
	)

	buf := make([]Sample, 0, rowGroup)
	for row := 0; row < r.Rows(); row++ {
		for i, name := range r.Channels {
			buf = append(buf, Sample{
				Row:       int64(row),
				Channel:   name,
				Value:     int32(r.Samples[i][row]),
				EventCode: r.Events[row],
			})
		}

		if len(buf) >= rowGroup {
			if _, err = w.Write(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}

	if len(buf) > 0 {
		if _, err = w.Write(buf); err != nil {
			return err
		}
	}
	return w.Close()
}

// ReadParquet reads a file written by Parquet.
func ReadParquet(path string) ([]Sample, error) {
	return parquet.ReadFile[Sample](path)
}
