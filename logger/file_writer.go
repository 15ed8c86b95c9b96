package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileDateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer that appends to {service}_{date}.log in a
// directory and switches to a new file on the first write of a new day.
// Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string
	now     func() time.Time

	mu       sync.Mutex
	file     *os.File
	currDate string
	closed   bool
}

// NewDailyFileWriter creates a DailyFileWriter that writes to the given
// directory. The directory is not created by this function.
//
// Parameters:
//   - service: Service name used in log file names
//   - logDir: Directory path for log files
//
// Returns:
//   - The new DailyFileWriter, or an error if the initial file could not be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{
		service: service,
		dir:     logDir,
		now:     time.Now,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(w.now().Format(fileDateLayout)); err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	if date := w.now().Format(fileDateLayout); date != w.currDate || w.file == nil {
		if err := w.openLocked(date); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// ForceRotate reopens the file for the current date. Useful after an
// external tool moved the file away (e.g. on SIGHUP).
func (w *DailyFileWriter) ForceRotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	return w.openLocked(w.now().Format(fileDateLayout))
}

// CurrentLogFile returns the path of the file currently written to, or ""
// once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.currDate)
}

// Close closes the current file. Subsequent writes fail. Safe to call more
// than once.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}

// openLocked switches to the file for date; caller holds w.mu.
func (w *DailyFileWriter) openLocked(date string) error {
	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", w.path(date), err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.currDate = date
	return nil
}
