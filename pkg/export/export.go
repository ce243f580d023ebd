// Package export converts finalized recordings into EDF and parquet siblings of the csv file.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"physiokit/pkg/recorder"
)

var ErrEmpty = errors.New("recording has no rows")

// Recording is a finalized recording loaded into columns.
type Recording struct {
	Channels []string
	// Samples holds one column of raw values per channel.
	Samples [][]int
	// Events holds the event code of every row.
	Events []string
}

// Rows returns the number of rows.
func (r *Recording) Rows() int {
	return len(r.Events)
}

// Load reads a recording written by the recorder.
func Load(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("can't read header of %s: %w", path, err)
	}
	if len(header) < 2 || header[len(header)-1] != recorder.EventCodeColumn {
		return nil, fmt.Errorf("%s is not a recording, header %v", path, header)
	}

	n := len(header) - 1
	r := &Recording{
		Channels: append([]string(nil), header[:n]...),
		Samples:  make([][]int, n),
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}

		for i := 0; i < n; i++ {
			v, err := strconv.Atoi(row[i])
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, line, err)
			}
			r.Samples[i] = append(r.Samples[i], v)
		}
		r.Events = append(r.Events, row[n])
	}

	if r.Rows() == 0 {
		return nil, ErrEmpty
	}
	return r, nil
}

// sibling returns path with its extension replaced by ext.
func sibling(path, ext string) string {
	return strings.TrimSuffix(path, ".csv") + ext
}

// writeAtomic writes a file through a temporary name, so readers never see a partial file.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err = write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
