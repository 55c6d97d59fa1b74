// Package store is the sole durable owner of signal outcomes. Two files
// under the data directory hold every signal that ever existed:
// active_tracking.json for in-progress tracking and completed_history.json
// for archived outcomes. Every signal lives in exactly one of the two.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/fsjson"
)

const (
	trackingVersion   = 1
	activeFileName    = "active_tracking.json"
	completedFileName = "completed_history.json"
	backupFileName    = "active_tracking.json.bak"
)

// ErrorKind classifies store failures. Version mismatches and invariant
// violations are fatal to the caller; IO failures are retried once
// internally before surfacing.
type ErrorKind string

const (
	ErrInvariant ErrorKind = "invariant_violation"
	ErrIO        ErrorKind = "io_failure"
	ErrVersion   ErrorKind = "version_mismatch"
)

// Error is a structured store failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsErrorKind reports whether err is a store.Error of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// MentionKey scopes dedup and signal numbering to one channel's view of one
// token. The same token mentioned by two channels is two independent
// signal histories.
func MentionKey(channelID, tokenKey string) string {
	return channelID + "|" + tokenKey
}

// MentionClass is the store's verdict on an incoming mention.
type MentionClass struct {
	Duplicate         bool
	NextSignalNumber  int
	PreviousSignalIDs []string
}

type signalFile struct {
	Version int                     `json:"version"`
	Signals []*domain.SignalOutcome `json:"signals"`
}

// Mirror receives best-effort copies of persisted mutations. The files stay
// authoritative; mirror failures are logged and never propagated.
type Mirror interface {
	SaveSignal(s *domain.SignalOutcome) error
}

// Store keeps the active and completed maps in memory and funnels every
// mutation through an atomic rewrite of the owning file. All methods are
// safe for concurrent use; one store-wide lock serializes writes so the
// archive's two-file sequence is atomic to observers.
type Store struct {
	dir    string
	log    zerolog.Logger
	mirror Mirror

	mu        sync.Mutex
	active    map[string]*domain.SignalOutcome
	completed map[string][]*domain.SignalOutcome
}

// Open loads the two files, recovering first from an interrupted archive if
// a backup journal is present. Version mismatches and unreadable state are
// fatal.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		dir:       dir,
		log:       log.With().Str("component", "tracking_store").Logger(),
		active:    make(map[string]*domain.SignalOutcome),
		completed: make(map[string][]*domain.SignalOutcome),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Kind: ErrIO, Op: "open", Err: err}
	}
	if err := s.recoverArchive(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetMirror attaches an optional secondary sink (database persistence).
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// recoverArchive finishes or rolls back an archive the previous process
// died inside of. The backup file holds the full pre-archive active set;
// completed_history.json decides which way to resolve: signals already
// archived stay archived, everything else returns to active.
func (s *Store) recoverArchive() error {
	bakPath := filepath.Join(s.dir, backupFileName)
	var bak signalFile
	err := fsjson.ReadVersioned(bakPath, trackingVersion, &bak)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return s.wrapReadErr("recover", err)
	}

	var completed signalFile
	err = fsjson.ReadVersioned(filepath.Join(s.dir, completedFileName), trackingVersion, &completed)
	if err != nil && !os.IsNotExist(err) {
		return s.wrapReadErr("recover", err)
	}
	archived := make(map[string]bool, len(completed.Signals))
	for _, sig := range completed.Signals {
		archived[sig.SignalID] = true
	}

	restored := make([]*domain.SignalOutcome, 0, len(bak.Signals))
	for _, sig := range bak.Signals {
		if !archived[sig.SignalID] {
			restored = append(restored, sig)
		}
	}
	if err := s.writeRetry(filepath.Join(s.dir, activeFileName), signalFile{Version: trackingVersion, Signals: restored}); err != nil {
		return &Error{Kind: ErrIO, Op: "recover", Err: err}
	}
	if err := fsjson.Remove(bakPath); err != nil {
		return &Error{Kind: ErrIO, Op: "recover", Err: err}
	}
	s.log.Warn().
		Int("backup_signals", len(bak.Signals)).
		Int("restored_active", len(restored)).
		Msg("Recovered from interrupted archive")
	return nil
}

func (s *Store) load() error {
	var act, comp signalFile
	if err := fsjson.ReadVersioned(filepath.Join(s.dir, activeFileName), trackingVersion, &act); err != nil && !os.IsNotExist(err) {
		return s.wrapReadErr("load", err)
	}
	if err := fsjson.ReadVersioned(filepath.Join(s.dir, completedFileName), trackingVersion, &comp); err != nil && !os.IsNotExist(err) {
		return s.wrapReadErr("load", err)
	}

	seen := make(map[string]bool, len(comp.Signals))
	for _, sig := range comp.Signals {
		if err := sig.Validate(); err != nil {
			return &Error{Kind: ErrInvariant, Op: "load", Err: fmt.Errorf("completed %s: %w", sig.SignalID, err)}
		}
		if seen[sig.SignalID] {
			return &Error{Kind: ErrInvariant, Op: "load", Err: fmt.Errorf("signal %s appears twice in completed history", sig.SignalID)}
		}
		seen[sig.SignalID] = true
		key := MentionKey(sig.ChannelID, sig.TokenKey())
		s.completed[key] = append(s.completed[key], sig)
	}
	for key, sigs := range s.completed {
		sort.Slice(sigs, func(i, j int) bool { return sigs[i].SignalNumber < sigs[j].SignalNumber })
		for i, sig := range sigs {
			// Gaps are reported, never renumbered: signal ids embed the
			// number and downstream references would dangle.
			if sig.SignalNumber != i+1 {
				s.log.Warn().
					Str("mention_key", key).
					Int("want", i+1).
					Int("have", sig.SignalNumber).
					Msg("Completed signal numbers are not contiguous")
				break
			}
		}
	}

	for _, sig := range act.Signals {
		if err := sig.Validate(); err != nil {
			return &Error{Kind: ErrInvariant, Op: "load", Err: fmt.Errorf("active %s: %w", sig.SignalID, err)}
		}
		key := MentionKey(sig.ChannelID, sig.TokenKey())
		if seen[sig.SignalID] {
			// The completed copy wins: an id in both files means a crash
			// landed between the two writes of an archive without a backup.
			s.log.Warn().Str("signal_id", sig.SignalID).Msg("Signal present in both files; keeping archived copy")
			continue
		}
		if prior, ok := s.active[key]; ok {
			kept, dropped := prior, sig
			if sig.EntryTime.Before(prior.EntryTime) {
				kept, dropped = sig, prior
				s.active[key] = sig
			}
			s.log.Warn().
				Str("mention_key", key).
				Str("kept", kept.SignalID).
				Str("dropped", dropped.SignalID).
				Msg("Two active signals for one mention key; keeping the older")
			continue
		}
		s.active[key] = sig
	}

	s.log.Info().
		Int("active", len(s.active)).
		Int("completed", len(comp.Signals)).
		Msg("Tracking store loaded")
	return nil
}

func (s *Store) wrapReadErr(op string, err error) error {
	if errors.Is(err, fsjson.ErrVersionMismatch) {
		return &Error{Kind: ErrVersion, Op: op, Err: err}
	}
	return &Error{Kind: ErrIO, Op: op, Err: err}
}

// writeRetry performs one atomic write with a single retry on failure.
func (s *Store) writeRetry(path string, v any) error {
	err := fsjson.WriteAtomic(path, v)
	if err == nil {
		return nil
	}
	s.log.Warn().Err(err).Str("path", path).Msg("Atomic write failed; retrying once")
	return fsjson.WriteAtomic(path, v)
}

// ClassifyMention decides how an incoming mention maps onto signal history:
// duplicate of an active signal, or a fresh signal with the next number and
// the prior signal ids (oldest first).
func (s *Store) ClassifyMention(channelID, tokenKey string) MentionClass {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := MentionKey(channelID, tokenKey)
	if _, ok := s.active[key]; ok {
		return MentionClass{Duplicate: true}
	}
	prior := s.completed[key]
	ids := make([]string, 0, len(prior))
	for _, sig := range prior {
		ids = append(ids, sig.SignalID)
	}
	return MentionClass{NextSignalNumber: len(prior) + 1, PreviousSignalIDs: ids}
}

// AddActive begins tracking a signal. The mention key must be free and the
// signal number must continue the completed sequence.
func (s *Store) AddActive(outcome *domain.SignalOutcome) error {
	if outcome == nil {
		return &Error{Kind: ErrInvariant, Op: "add_active", Err: fmt.Errorf("nil outcome")}
	}
	if err := outcome.Validate(); err != nil {
		return &Error{Kind: ErrInvariant, Op: "add_active", Err: err}
	}

	s.mu.Lock()
	err := s.addActiveLocked(outcome)
	m := s.mirror
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.mirrorWrite(m, outcome)
	return nil
}

func (s *Store) addActiveLocked(outcome *domain.SignalOutcome) error {
	key := MentionKey(outcome.ChannelID, outcome.TokenKey())
	if prior, ok := s.active[key]; ok {
		return &Error{Kind: ErrInvariant, Op: "add_active",
			Err: fmt.Errorf("mention %s already tracked by signal %s", key, prior.SignalID)}
	}
	if want := len(s.completed[key]) + 1; outcome.SignalNumber != want {
		return &Error{Kind: ErrInvariant, Op: "add_active",
			Err: fmt.Errorf("signal %s has number %d, want %d", outcome.SignalID, outcome.SignalNumber, want)}
	}

	s.active[key] = outcome.Clone()
	if err := s.persistActiveLocked(); err != nil {
		delete(s.active, key)
		return err
	}
	return nil
}

// UpdateActive persists the current state of an in-progress signal. The
// stored signal id must match: a signal cannot be swapped mid-flight.
func (s *Store) UpdateActive(outcome *domain.SignalOutcome) error {
	if outcome == nil {
		return &Error{Kind: ErrInvariant, Op: "update_active", Err: fmt.Errorf("nil outcome")}
	}

	s.mu.Lock()
	err := s.updateActiveLocked(outcome)
	m := s.mirror
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.mirrorWrite(m, outcome)
	return nil
}

func (s *Store) updateActiveLocked(outcome *domain.SignalOutcome) error {
	key := MentionKey(outcome.ChannelID, outcome.TokenKey())
	prior, ok := s.active[key]
	if !ok {
		return &Error{Kind: ErrInvariant, Op: "update_active",
			Err: fmt.Errorf("no active signal for mention %s", key)}
	}
	if prior.SignalID != outcome.SignalID {
		return &Error{Kind: ErrInvariant, Op: "update_active",
			Err: fmt.Errorf("active signal is %s, not %s", prior.SignalID, outcome.SignalID)}
	}

	s.active[key] = outcome.Clone()
	if err := s.persistActiveLocked(); err != nil {
		s.active[key] = prior
		return err
	}
	return nil
}

// Archive moves a terminal signal from active to the end of its completed
// history. The pre-archive active set is journaled to a backup file first;
// if the process dies between the two rewrites, Open's recovery resolves to
// exactly one of the pre- or post-archive states. The store lock is released
// before the mirror write so database latency never stalls other callers.
func (s *Store) Archive(channelID, tokenKey string) (*domain.SignalOutcome, error) {
	s.mu.Lock()
	sig, err := s.archiveLocked(channelID, tokenKey)
	m := s.mirror
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.mirrorWrite(m, sig)
	return sig.Clone(), nil
}

func (s *Store) archiveLocked(channelID, tokenKey string) (*domain.SignalOutcome, error) {
	key := MentionKey(channelID, tokenKey)
	sig, ok := s.active[key]
	if !ok {
		return nil, &Error{Kind: ErrInvariant, Op: "archive",
			Err: fmt.Errorf("no active signal for mention %s", key)}
	}
	if sig.Status != domain.StatusCompleted {
		return nil, &Error{Kind: ErrInvariant, Op: "archive",
			Err: fmt.Errorf("signal %s is still %s", sig.SignalID, sig.Status)}
	}

	backup := signalFile{Version: trackingVersion, Signals: s.activeSliceLocked()}
	if err := s.writeRetry(filepath.Join(s.dir, backupFileName), backup); err != nil {
		return nil, &Error{Kind: ErrIO, Op: "archive", Err: err}
	}

	delete(s.active, key)
	s.completed[key] = append(s.completed[key], sig)

	if err := s.persistActiveLocked(); err != nil {
		s.rollbackArchiveLocked(key, sig)
		return nil, err
	}
	if err := s.persistCompletedLocked(); err != nil {
		s.rollbackArchiveLocked(key, sig)
		if aerr := s.persistActiveLocked(); aerr != nil {
			// Both rewrites failed; the backup journal remains for Open.
			return nil, &Error{Kind: ErrIO, Op: "archive", Err: errors.Join(err, aerr)}
		}
		_ = fsjson.Remove(filepath.Join(s.dir, backupFileName))
		return nil, err
	}

	if err := fsjson.Remove(filepath.Join(s.dir, backupFileName)); err != nil {
		s.log.Warn().Err(err).Msg("Archive backup not removed; next open will reconcile")
	}
	return sig, nil
}

func (s *Store) rollbackArchiveLocked(key string, sig *domain.SignalOutcome) {
	s.active[key] = sig
	list := s.completed[key]
	if n := len(list); n > 0 && list[n-1].SignalID == sig.SignalID {
		s.completed[key] = list[:n-1]
		if len(s.completed[key]) == 0 {
			delete(s.completed, key)
		}
	}
}

// mirrorWrite forwards a copy to the optional mirror. Runs outside the store
// lock; failures are logged and never propagated.
func (s *Store) mirrorWrite(m Mirror, sig *domain.SignalOutcome) {
	if m == nil {
		return
	}
	if err := m.SaveSignal(sig.Clone()); err != nil {
		s.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("Mirror write failed")
	}
}

func (s *Store) activeSliceLocked() []*domain.SignalOutcome {
	out := make([]*domain.SignalOutcome, 0, len(s.active))
	for _, sig := range s.active {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].SignalID < out[j].SignalID
	})
	return out
}

func (s *Store) completedSliceLocked() []*domain.SignalOutcome {
	var out []*domain.SignalOutcome
	for _, sigs := range s.completed {
		out = append(out, sigs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		if ki, kj := out[i].TokenKey(), out[j].TokenKey(); ki != kj {
			return ki < kj
		}
		return out[i].SignalNumber < out[j].SignalNumber
	})
	return out
}

func (s *Store) persistActiveLocked() error {
	file := signalFile{Version: trackingVersion, Signals: s.activeSliceLocked()}
	if err := s.writeRetry(filepath.Join(s.dir, activeFileName), file); err != nil {
		return &Error{Kind: ErrIO, Op: "persist_active", Err: err}
	}
	return nil
}

func (s *Store) persistCompletedLocked() error {
	file := signalFile{Version: trackingVersion, Signals: s.completedSliceLocked()}
	if err := s.writeRetry(filepath.Join(s.dir, completedFileName), file); err != nil {
		return &Error{Kind: ErrIO, Op: "persist_completed", Err: err}
	}
	return nil
}

// ActiveFor returns a copy of the in-progress signal for one mention key.
func (s *Store) ActiveFor(channelID, tokenKey string) (*domain.SignalOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.active[MentionKey(channelID, tokenKey)]
	if !ok {
		return nil, false
	}
	return sig.Clone(), true
}

// Active returns copies of every in-progress signal, oldest entry first.
func (s *Store) Active() []*domain.SignalOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs := s.activeSliceLocked()
	out := make([]*domain.SignalOutcome, len(sigs))
	for i, sig := range sigs {
		out[i] = sig.Clone()
	}
	return out
}

// Completed returns copies of every archived signal ordered by channel,
// token, then signal number.
func (s *Store) Completed() []*domain.SignalOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs := s.completedSliceLocked()
	out := make([]*domain.SignalOutcome, len(sigs))
	for i, sig := range sigs {
		out[i] = sig.Clone()
	}
	return out
}

// CompletedFor returns copies of one mention key's archive, ascending
// signal number.
func (s *Store) CompletedFor(channelID, tokenKey string) []*domain.SignalOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs := s.completed[MentionKey(channelID, tokenKey)]
	out := make([]*domain.SignalOutcome, len(sigs))
	for i, sig := range sigs {
		out[i] = sig.Clone()
	}
	return out
}

// CompletedByChannel returns copies of one channel's entire archive,
// ordered by token then signal number.
func (s *Store) CompletedByChannel(channelID string) []*domain.SignalOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.SignalOutcome
	for _, sig := range s.completedSliceLocked() {
		if sig.ChannelID == channelID {
			out = append(out, sig.Clone())
		}
	}
	return out
}

// Counts reports the sizes of the two collections.
func (s *Store) Counts() (active, completed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sigs := range s.completed {
		completed += len(sigs)
	}
	return len(s.active), completed
}
