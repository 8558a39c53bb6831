// Package callhistory keeps the append-only CSV log of call outcomes.
package callhistory

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stillmatic/convai-call-relay/pkg/types"
)

var Header = []string{"timestamp", "callSid", "from", "to", "status", "answered", "duration", "notes"}

type Record struct {
	Timestamp time.Time        `json:"timestamp"`
	CallSid   string           `json:"callSid"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Status    types.CallStatus `json:"status"`
	Answered  types.Answered   `json:"answered"`
	Duration  int              `json:"duration"`
	Notes     string           `json:"notes"`
}

func (r Record) row() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.CallSid,
		r.From,
		r.To,
		string(r.Status),
		string(r.Answered),
		strconv.Itoa(r.Duration),
		r.Notes,
	}
}

func parseRow(row []string) (Record, error) {
	if len(row) < len(Header) {
		return Record{}, fmt.Errorf("short row: %d fields", len(row))
	}
	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}
	dur, err := strconv.Atoi(row[6])
	if err != nil {
		dur = 0
	}
	return Record{
		Timestamp: ts,
		CallSid:   row[1],
		From:      row[2],
		To:        row[3],
		Status:    types.CallStatus(row[4]),
		Answered:  types.Answered(row[5]),
		Duration:  dur,
		Notes:     row[7],
	}, nil
}

// Archiver stores a snapshot of the log before it is cleared.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) error
}

// Store serializes all access to the log file, so concurrent sessions can
// record independently.
type Store struct {
	path     string
	archiver Archiver
	now      func() time.Time

	mu sync.Mutex
}

// Open returns a store backed by path, creating the file with its header if
// it does not exist. archiver may be nil.
func Open(path string, archiver Archiver) (*Store, error) {
	s := &Store{path: path, archiver: archiver, now: time.Now}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := s.writeHeader(); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("created call history file")
	} else if err != nil {
		return nil, fmt.Errorf("error checking call history file: %w", err)
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Record appends one outcome. The timestamp defaults to now and the answered
// column is derived from the status.
func (s *Store) Record(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	rec.Answered = types.AnsweredFor(rec.Status)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("error opening call history: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(rec.row()); err != nil {
		return fmt.Errorf("error writing call history row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("error flushing call history: %w", err)
	}
	log.Debug().Str("call_sid", rec.CallSid).Str("status", string(rec.Status)).Msg("call logged")
	return nil
}

// List returns every parseable record in file order.
func (s *Store) List() ([]Record, error) {
	data, err := s.Raw()
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	var out []Record
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("skipping unreadable call history row")
			continue
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == Header[0] {
				continue
			}
		}
		rec, err := parseRow(row)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed call history row")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Raw returns the file contents.
func (s *Store) Raw() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("error reading call history: %w", err)
	}
	return data, nil
}

// Clear archives the current log when an archiver is configured and it holds
// any rows, then truncates the file back to its header.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archiver != nil {
		data, err := os.ReadFile(s.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading call history: %w", err)
		}
		if bytes.Count(data, []byte("\n")) > 1 {
			name := fmt.Sprintf("call_history_%s.csv", s.now().UTC().Format("20060102T150405Z"))
			if err := s.archiver.Archive(ctx, name, data); err != nil {
				return fmt.Errorf("error archiving call history: %w", err)
			}
		}
	}
	return s.writeHeader()
}

func (s *Store) writeHeader() error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return err
	}
	w.Flush()
	if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("error writing call history header: %w", err)
	}
	return nil
}
