// Package ledger maintains the version history of a clinical bundle. Each
// entry records a SHA-256 checkpoint of the bundle's resource entries at
// commit time.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/medstore/internal/domain/clinical"
)

var ErrLedgerMismatch = errors.New("ledger mismatch")

// Mode selects how an entry's hash is derived.
type Mode string

const (
	// ModeCheckpoint hashes the resource entries only.
	ModeCheckpoint Mode = "checkpoint"
	// ModeChained hashes the previous entry's hash, a zero byte, then the
	// resource entries, so rewriting history breaks every later hash.
	ModeChained Mode = "chained"
)

// ParseMode maps a config value onto a Mode. Empty selects ModeCheckpoint.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCheckpoint:
		return ModeCheckpoint, nil
	case ModeChained:
		return ModeChained, nil
	default:
		return "", fmt.Errorf("ledger: unknown mode %q", s)
	}
}

// Clock supplies commit timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// Canonical serializes entries deterministically: fixed field order from the
// Go types, no HTML escaping, no trailing newline.
func Canonical(entries []clinical.BundleEntry) ([]byte, error) {
	if entries == nil {
		entries = []clinical.BundleEntry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("ledger: canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the hex SHA-256 of Canonical(entries).
func Hash(entries []clinical.BundleEntry) (string, error) {
	data, err := Canonical(entries)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// chainHash computes SHA256(prev + 0x00 + content).
func chainHash(prev string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0x00})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger appends and verifies version history entries.
type Ledger struct {
	Mode  Mode
	Clock Clock
}

// New returns a Ledger in the given mode reading the system clock.
func New(mode Mode) *Ledger {
	return &Ledger{Mode: mode, Clock: SystemClock}
}

func (l *Ledger) now(after []clinical.VersionEntry) time.Time {
	clock := l.Clock
	if clock == nil {
		clock = SystemClock
	}
	ts := clock.Now().UTC()
	if n := len(after); n > 0 && ts.Before(after[n-1].Timestamp) {
		ts = after[n-1].Timestamp
	}
	return ts
}

func (l *Ledger) digest(prev string, entries []clinical.BundleEntry) (string, error) {
	if l.Mode == ModeChained {
		data, err := Canonical(entries)
		if err != nil {
			return "", err
		}
		return chainHash(prev, data), nil
	}
	return Hash(entries)
}

// Begin records the structural creation entry. Its hash stays empty until
// the first Commit fills it in.
func (l *Ledger) Begin(b *clinical.Bundle, message string) clinical.VersionEntry {
	v := clinical.VersionEntry{
		Timestamp:  l.now(b.VersionHistory),
		Message:    message,
		Hash:       "",
		EntryCount: len(b.Entry),
	}
	b.VersionHistory = append(b.VersionHistory, v)
	return v
}

// Commit appends exactly one entry covering the bundle's current entries. If
// the creation placeholder is still empty it is filled with the hash of the
// patient root. On error the history is left untouched.
func (l *Ledger) Commit(b *clinical.Bundle, message string) (clinical.VersionEntry, error) {
	history := b.VersionHistory

	var backfill string
	backfillCount := 0
	prev := ""
	if len(history) > 0 {
		if history[0].Hash == "" {
			if len(b.Entry) == 0 {
				return clinical.VersionEntry{}, errors.New("ledger: backfill: bundle has no entries")
			}
			backfillCount = min(max(history[0].EntryCount, 1), len(b.Entry))
			h, err := l.digest("", b.Entry[:backfillCount])
			if err != nil {
				return clinical.VersionEntry{}, fmt.Errorf("ledger: backfill: %w", err)
			}
			backfill = h
		}
		prev = history[len(history)-1].Hash
		if len(history) == 1 && backfill != "" {
			prev = backfill
		}
	}

	h, err := l.digest(prev, b.Entry)
	if err != nil {
		return clinical.VersionEntry{}, fmt.Errorf("ledger: commit: %w", err)
	}

	v := clinical.VersionEntry{
		Timestamp:  l.now(history),
		Message:    message,
		Hash:       h,
		EntryCount: len(b.Entry),
	}
	if backfill != "" {
		b.VersionHistory[0].Hash = backfill
		b.VersionHistory[0].EntryCount = backfillCount
	}
	b.VersionHistory = append(b.VersionHistory, v)
	return v, nil
}

// Verify recomputes every checkpoint from the entries it covered and checks
// that timestamps never decrease. Only the first entry may carry an empty
// placeholder hash.
func (l *Ledger) Verify(b *clinical.Bundle) error {
	prev := ""
	for i, v := range b.VersionHistory {
		if i > 0 && v.Timestamp.Before(b.VersionHistory[i-1].Timestamp) {
			return fmt.Errorf("%w: entry %d: timestamp %s precedes entry %d",
				ErrLedgerMismatch, i, v.Timestamp.Format(time.RFC3339), i-1)
		}
		if v.EntryCount < 0 || v.EntryCount > len(b.Entry) {
			return fmt.Errorf("%w: entry %d: covers %d entries, bundle has %d",
				ErrLedgerMismatch, i, v.EntryCount, len(b.Entry))
		}
		if v.Hash == "" {
			if i != 0 {
				return fmt.Errorf("%w: entry %d: missing hash", ErrLedgerMismatch, i)
			}
			continue
		}
		want, err := l.digest(prev, b.Entry[:v.EntryCount])
		if err != nil {
			return fmt.Errorf("ledger: verify entry %d: %w", i, err)
		}
		if want != v.Hash {
			return fmt.Errorf("%w: entry %d (%q): stored %s, computed %s",
				ErrLedgerMismatch, i, v.Message, v.Hash, want)
		}
		prev = v.Hash
	}
	return nil
}
