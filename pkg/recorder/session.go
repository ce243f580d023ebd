package recorder

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the state of the recording state machine.
type State int32

const (
	// Idle waits for a start request; the next temp file is already open.
	Idle State = iota
	// Armed waits for the go-signal of the synchronization service.
	Armed
	// Recording appends every received frame to the temp file.
	Recording
	// Finalizing refuses frames while the temp file is moved to its final path.
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	}
	return "unknown"
}

// StopReason tells why a recording was finalized.
type StopReason int

const (
	StopRequested StopReason = iota
	TimeLimitReached
	Shutdown
)

func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "stop requested"
	case TimeLimitReached:
		return "time limit reached"
	case Shutdown:
		return "shutdown"
	}
	return "unknown"
}

// Session describes one recording.
type Session struct {
	// ID is derived from the start time and a random disambiguator.
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	// Limit is the hard time limit, 0 for untimed recordings.
	Limit time.Duration `json:"limit"`
	// Path is the final file path, set on finalization.
	Path   string     `json:"path,omitempty"`
	Rows   int        `json:"rows"`
	Failed int        `json:"failed"`
	Reason StopReason `json:"-"`
	// Header holds the channel names followed by the event code column.
	Header []string `json:"header"`
}

func newSession(start time.Time, limit time.Duration, header []string) *Session {
	return &Session{
		ID:     fmt.Sprintf("%d_%s", start.Unix(), disambiguator()),
		Start:  start,
		Limit:  limit,
		Header: header,
	}
}

// Elapsed returns the recording time until now.
func (s *Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.Start)
}

// LimitReached reports whether a hard time limit is set and was reached at now.
func (s *Session) LimitReached(now time.Time) bool {
	return s.Limit > 0 && s.Elapsed(now) >= s.Limit
}

// Naming builds the final file name of a recording.
type Naming struct {
	DataDir     string
	Participant string
	Experiment  string
	Condition   string
}

// FinalPath returns <datadir>/<participant>_<experiment>_<condition>_<unix start>_<random>.csv.
// The random part keeps repeated recordings within one second apart.
func (n Naming) FinalPath(s *Session) string {
	parts := []string{
		clean(n.Participant),
		clean(n.Experiment),
		clean(n.Condition),
		fmt.Sprintf("%d", s.Start.Unix()),
		disambiguator(),
	}
	return filepath.Join(n.DataDir, strings.Join(parts, "_")+".csv")
}

// tempPath returns a new temp file name inside the data directory,
// so the final move is a rename on the same file system.
func (n Naming) tempPath(now time.Time) string {
	return filepath.Join(n.DataDir, fmt.Sprintf(".%d_%s%s", now.UnixNano(), disambiguator(), tempSuffix))
}

const tempSuffix = "_temp.csv"

func disambiguator() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// clean keeps path separators and blanks out of file name parts.
func clean(s string) string {
	if s == "" {
		return "na"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '_':
			return '-'
		}
		return r
	}, s)
}
