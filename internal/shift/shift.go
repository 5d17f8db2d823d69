// Package shift loads per-org shift window definitions from a TOML file.
//
// A shift window carries the UTC "HH:mm" boundaries the status engine
// evaluates hours against, the minimum-hours threshold, and the
// missed-checkout buffer. Orgs without an explicit entry fall back to the
// default window.
package shift

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fieldops/attendsync/internal/timeutil"
)

// Window is one org's shift definition. Boundaries are "HH:mm" in UTC.
type Window struct {
	Start               string  `toml:"start"`
	End                 string  `toml:"end"`
	MinimumHours        float64 `toml:"minimum_hours"`
	CheckoutBufferHours int     `toml:"checkout_buffer_hours"`
}

// Schedule maps org IDs to shift windows.
type Schedule struct {
	Default Window            `toml:"default"`
	Orgs    map[string]Window `toml:"orgs"`
}

// DefaultWindow returns the built-in fallback shift window.
func DefaultWindow() Window {
	return Window{
		Start:               timeutil.DefaultShiftStart,
		End:                 timeutil.DefaultShiftEnd,
		MinimumHours:        8,
		CheckoutBufferHours: 2,
	}
}

// Load reads a schedule from a TOML file. A missing file yields a schedule
// containing only the built-in default window; a malformed file is an
// error. Malformed clock boundaries inside a window degrade to the
// documented defaults instead of failing the load.
func Load(path string) (*Schedule, error) {
	s := &Schedule{Default: DefaultWindow()}

	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}

	if _, err := toml.DecodeFile(path, s); err != nil {
		return nil, fmt.Errorf("failed to parse shift schedule %s: %w", path, err)
	}

	s.Default = sanitize(s.Default)
	for org, w := range s.Orgs {
		s.Orgs[org] = sanitize(w)
	}

	return s, nil
}

// Lookup returns the shift window for an org, falling back to the default.
func (s *Schedule) Lookup(orgID string) Window {
	if w, ok := s.Orgs[orgID]; ok {
		return w
	}
	return s.Default
}

// sanitize fills gaps and repairs malformed boundaries in a window.
func sanitize(w Window) Window {
	w.Start = timeutil.ClockOrDefault(w.Start, timeutil.DefaultShiftStart)
	w.End = timeutil.ClockOrDefault(w.End, timeutil.DefaultShiftEnd)
	if w.MinimumHours <= 0 {
		w.MinimumHours = DefaultWindow().MinimumHours
	}
	if w.CheckoutBufferHours <= 0 {
		w.CheckoutBufferHours = DefaultWindow().CheckoutBufferHours
	}
	return w
}
