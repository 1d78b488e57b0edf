// Package audit provides append-only sinks for record store audit events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Backend names accepted by config.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

var ErrMalformedLine = errors.New("audit: malformed line")

// Event is one mutating operation on a patient record.
type Event struct {
	Time        time.Time
	PatientID   string
	Description string
}

// Line renders the event as "<RFC3339> - Patient#<id>: <description>".
// Backslashes and control characters in the id and description are escaped,
// so a line never spans more than one event.
func (e Event) Line() string {
	return fmt.Sprintf("%s - Patient#%s: %s", e.Time.Format(time.RFC3339), escape(e.PatientID), escape(e.Description))
}

func escape(s string) string {
	if !strings.ContainsFunc(s, needsEscape) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case needsEscape(r):
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func needsEscape(r rune) bool {
	return r == '\\' || unicode.IsControl(r) || r == '\u2028' || r == '\u2029'
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 == len(s) {
			return "", errors.New("trailing backslash")
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			if i+4 >= len(s) {
				return "", errors.New("short \\u escape")
			}
			n, err := strconv.ParseUint(s[i+1:i+5], 16, 32)
			if err != nil {
				return "", fmt.Errorf("bad \\u escape: %w", err)
			}
			b.WriteRune(rune(n))
			i += 4
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

// ParseLine reverses Line.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.ContainsFunc(line, unicode.IsControl) {
		return Event{}, fmt.Errorf("%w: unescaped control character", ErrMalformedLine)
	}
	ts, rest, ok := strings.Cut(line, " - Patient#")
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	id, desc, ok := strings.Cut(rest, ": ")
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Event{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLine, err)
	}
	if id, err = unescape(id); err != nil {
		return Event{}, fmt.Errorf("%w: patient id: %v", ErrMalformedLine, err)
	}
	if desc, err = unescape(desc); err != nil {
		return Event{}, fmt.Errorf("%w: description: %v", ErrMalformedLine, err)
	}
	return Event{Time: t, PatientID: id, Description: desc}, nil
}

// Sink receives audit events. Implementations must append, never rewrite.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Append(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// MemorySink keeps events in memory, mostly for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything appended so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Descriptions returns just the description of each event, in order.
func (m *MemorySink) Descriptions() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Description
	}
	return out
}

// FileSink appends one line per event to a text file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileSink opens path for appending, creating it if needed.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit file: open %s: %w", path, err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file: sink closed")
	}
	if _, err := s.f.WriteString(e.Line() + "\n"); err != nil {
		return fmt.Errorf("audit file: write: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
