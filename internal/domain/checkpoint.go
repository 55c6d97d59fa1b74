package domain

import (
	"fmt"
	"sort"
	"time"
)

// Checkpoint names a fixed offset from entry time at which a price
// observation is captured.
type Checkpoint string

const (
	Checkpoint1H  Checkpoint = "1h"
	Checkpoint4H  Checkpoint = "4h"
	Checkpoint24H Checkpoint = "24h"
	Checkpoint3D  Checkpoint = "3d"
	Checkpoint7D  Checkpoint = "7d"
	Checkpoint30D Checkpoint = "30d"
)

// DefaultOffsets is the production checkpoint schedule. Tests may override
// the offsets through config, but the terminal checkpoint is always the
// largest offset.
var DefaultOffsets = map[Checkpoint]time.Duration{
	Checkpoint1H:  time.Hour,
	Checkpoint4H:  4 * time.Hour,
	Checkpoint24H: 24 * time.Hour,
	Checkpoint3D:  3 * 24 * time.Hour,
	Checkpoint7D:  7 * 24 * time.Hour,
	Checkpoint30D: 30 * 24 * time.Hour,
}

// Schedule is the ordered checkpoint set with per-checkpoint offsets.
// Immutable after construction.
type Schedule struct {
	offsets map[Checkpoint]time.Duration
	ordered []Checkpoint
}

// NewSchedule builds a schedule from an offset table. At least one
// checkpoint is required and offsets must be positive and distinct.
func NewSchedule(offsets map[Checkpoint]time.Duration) (Schedule, error) {
	if len(offsets) == 0 {
		return Schedule{}, fmt.Errorf("checkpoint schedule is empty")
	}
	copied := make(map[Checkpoint]time.Duration, len(offsets))
	seen := make(map[time.Duration]Checkpoint, len(offsets))
	ordered := make([]Checkpoint, 0, len(offsets))
	for cp, off := range offsets {
		if off <= 0 {
			return Schedule{}, fmt.Errorf("checkpoint %s has non-positive offset %s", cp, off)
		}
		if dup, ok := seen[off]; ok {
			return Schedule{}, fmt.Errorf("checkpoints %s and %s share offset %s", dup, cp, off)
		}
		seen[off] = cp
		copied[cp] = off
		ordered = append(ordered, cp)
	}
	sort.Slice(ordered, func(i, j int) bool { return copied[ordered[i]] < copied[ordered[j]] })
	return Schedule{offsets: copied, ordered: ordered}, nil
}

// DefaultSchedule returns the production 1h/4h/24h/3d/7d/30d schedule.
func DefaultSchedule() Schedule {
	s, err := NewSchedule(DefaultOffsets)
	if err != nil {
		panic(err) // static table, cannot fail
	}
	return s
}

// Offset returns the offset for cp; ok is false for unknown checkpoints.
func (s Schedule) Offset(cp Checkpoint) (time.Duration, bool) {
	off, ok := s.offsets[cp]
	return off, ok
}

// Ordered returns the checkpoints in ascending offset order.
func (s Schedule) Ordered() []Checkpoint {
	out := make([]Checkpoint, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Terminal is the checkpoint with the largest offset; capturing it completes
// the signal.
func (s Schedule) Terminal() Checkpoint {
	return s.ordered[len(s.ordered)-1]
}

// TerminalOffset is the offset of the terminal checkpoint (the tracking
// window length).
func (s Schedule) TerminalOffset() time.Duration {
	return s.offsets[s.Terminal()]
}

// Contains reports whether cp belongs to the schedule.
func (s Schedule) Contains(cp Checkpoint) bool {
	_, ok := s.offsets[cp]
	return ok
}

// Elapsed returns the subset of checkpoints whose offset has fully elapsed
// between entry and now, in ascending offset order. Pure: no I/O, no clock.
func (s Schedule) Elapsed(entry, now time.Time) []Checkpoint {
	if !now.After(entry) {
		return nil
	}
	age := now.Sub(entry)
	var out []Checkpoint
	for _, cp := range s.ordered {
		if s.offsets[cp] <= age {
			out = append(out, cp)
		}
	}
	return out
}

// At returns the absolute time of cp for a signal entered at entry.
func (s Schedule) At(entry time.Time, cp Checkpoint) (time.Time, error) {
	off, ok := s.offsets[cp]
	if !ok {
		return time.Time{}, fmt.Errorf("checkpoint %s not in schedule", cp)
	}
	return entry.Add(off), nil
}
