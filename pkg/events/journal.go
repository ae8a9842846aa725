package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal writes events to daily rotated JSONL files. The journal is a
// debugging aid, not a delivery guarantee: missed events are recoverable by
// re-querying current state.
type Journal struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewJournal creates an event journal writing into logDir.
func NewJournal(logDir string) (*Journal, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{logDir: logDir}
	if err := j.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize journal file: %w", err)
	}
	return j, nil
}

// Write appends one event to the current journal file with automatic rotation.
func (j *Journal) Write(event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate journal file: %w", err)
	}

	jsonData, err := event.ToJSON()
	if err != nil {
		return err
	}

	if _, err := j.currentFile.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := j.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := j.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal file: %w", err)
	}
	return nil
}

// Attach journals every event from the broker until the subscription ends.
// Runs in its own goroutine; returns a stop function.
func (j *Journal) Attach(broker *Broker) func() {
	ch, cancel := broker.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range ch {
			if err := j.Write(&event); err != nil {
				// Journal failures must not affect event delivery.
				continue
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (j *Journal) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if j.currentFile == nil || j.currentDate != newDate {
		return j.rotate(newDate)
	}
	return nil
}

func (j *Journal) rotate(newDate string) error {
	if j.currentFile != nil {
		if err := j.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current journal file: %w", err)
		}
	}

	filename := fmt.Sprintf("events-%s.jsonl", newDate)
	path := filepath.Join(j.logDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", path, err)
	}

	j.currentFile = file
	j.currentDate = newDate
	return nil
}

// CurrentFile returns the path of the currently active journal file.
func (j *Journal) CurrentFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.currentFile == nil {
		return ""
	}
	return filepath.Join(j.logDir, fmt.Sprintf("events-%s.jsonl", j.currentDate))
}

// Close closes the current journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.currentFile != nil {
		err := j.currentFile.Close()
		j.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
	}
	return nil
}

// ListJournalFiles returns all journal files in the directory.
func ListJournalFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list journal files: %w", err)
	}
	return files, nil
}
