package store

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sawpanic/signalrun/internal/fsjson"
)

const (
	progressVersion  = 1
	progressFileName = "bootstrap_progress.json"
)

// BootstrapProgress is the resumable cursor of one bootstrap run. It exists
// only while a bootstrap is in flight: written every checkpoint interval,
// deleted on clean completion.
type BootstrapProgress struct {
	TotalMessages          int       `json:"total_messages"`
	ProcessedMessages      int       `json:"processed_messages"`
	LastProcessedMessageID int64     `json:"last_processed_message_id"`
	LastCheckpointTime     time.Time `json:"last_checkpoint_time"`
	SuccessfulOutcomes     int       `json:"successful_outcomes"`
	FailedOutcomes         int       `json:"failed_outcomes"`
}

type progressFile struct {
	Version int `json:"version"`
	BootstrapProgress
}

// SaveProgress atomically rewrites the progress cursor.
func SaveProgress(dir string, p BootstrapProgress) error {
	path := filepath.Join(dir, progressFileName)
	if err := fsjson.WriteAtomic(path, progressFile{Version: progressVersion, BootstrapProgress: p}); err != nil {
		return &Error{Kind: ErrIO, Op: "save_progress", Err: err}
	}
	return nil
}

// LoadProgress reads the cursor of an interrupted bootstrap. ok is false
// when no bootstrap is in flight.
func LoadProgress(dir string) (BootstrapProgress, bool, error) {
	var file progressFile
	err := fsjson.ReadVersioned(filepath.Join(dir, progressFileName), progressVersion, &file)
	if os.IsNotExist(err) {
		return BootstrapProgress{}, false, nil
	}
	if err != nil {
		if errors.Is(err, fsjson.ErrVersionMismatch) {
			return BootstrapProgress{}, false, &Error{Kind: ErrVersion, Op: "load_progress", Err: err}
		}
		return BootstrapProgress{}, false, &Error{Kind: ErrIO, Op: "load_progress", Err: err}
	}
	return file.BootstrapProgress, true, nil
}

// ClearProgress removes the cursor after a clean finish.
func ClearProgress(dir string) error {
	if err := fsjson.Remove(filepath.Join(dir, progressFileName)); err != nil {
		return &Error{Kind: ErrIO, Op: "clear_progress", Err: err}
	}
	return nil
}
