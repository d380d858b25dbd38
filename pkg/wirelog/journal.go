package wirelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetlink/gv50d/pkg/util"
)

// Journal defines the interface for wire journal backends.
type Journal interface {
	Log(entry *Entry) error
	Query(filter Filter) ([]*Entry, error)
	Close() error
}

// FileJournal writes entries to a JSON-lines file with size-based rotation.
type FileJournal struct {
	path     string
	file     *os.File
	encoder  *json.Encoder
	mu       sync.RWMutex
	rotation RotationConfig
}

// RotationConfig configures journal file rotation.
type RotationConfig struct {
	MaxSize    int64 // max file size in bytes before rotation
	MaxBackups int   // max number of rotated files to retain
}

// NewFileJournal creates a file-backed journal at path.
func NewFileJournal(path string, rotation RotationConfig) (*FileJournal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	return &FileJournal{
		path:     path,
		file:     file,
		encoder:  json.NewEncoder(file),
		rotation: rotation,
	}, nil
}

// Log appends an entry, rotating the file first when it has outgrown the
// configured size.
func (j *FileJournal) Log(entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.rotation.MaxSize > 0 {
		if info, err := j.file.Stat(); err == nil {
			if info.Size() >= j.rotation.MaxSize {
				if err := j.rotate(); err != nil {
					return fmt.Errorf("rotating journal: %w", err)
				}
			}
		}
	}

	return j.encoder.Encode(entry)
}

// Query scans the journal for entries matching the filter.
func (j *FileJournal) Query(filter Filter) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Entry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			util.Warnf("wirelog: skipping malformed entry at line %d: %v", lineNum, err)
			continue
		}

		if j.matchesFilter(&entry, filter) {
			entries = append(entries, &entry)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			entries = nil
		} else {
			entries = entries[filter.Offset:]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(entries) {
		entries = entries[:filter.Limit]
	}

	return entries, scanner.Err()
}

// Close closes the journal file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

func (j *FileJournal) matchesFilter(entry *Entry, filter Filter) bool {
	if filter.IMEI != "" && entry.IMEI != filter.IMEI {
		return false
	}
	if filter.ClientIP != "" && entry.ClientIP != filter.ClientIP {
		return false
	}
	if filter.Kind != "" && entry.Kind != filter.Kind {
		return false
	}
	if filter.Direction != "" && entry.Direction != filter.Direction {
		return false
	}
	if filter.ReportType != "" && entry.ReportType != filter.ReportType {
		return false
	}
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}
	return true
}

func (j *FileJournal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405")
	rotatedPath := j.path + "." + timestamp

	if err := os.Rename(j.path, rotatedPath); err != nil {
		return err
	}

	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	j.file = file
	j.encoder = json.NewEncoder(file)

	if j.rotation.MaxBackups > 0 {
		j.cleanupOldFiles()
	}

	return nil
}

func (j *FileJournal) cleanupOldFiles() {
	dir := filepath.Dir(j.path)
	base := filepath.Base(j.path)
	pattern := base + ".*"

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path, info.ModTime()})
	}

	if len(files) > j.rotation.MaxBackups {
		sort.Slice(files, func(i, k int) bool {
			return files[i].modTime.Before(files[k].modTime)
		})

		toRemove := len(files) - j.rotation.MaxBackups
		for i := 0; i < toRemove; i++ {
			os.Remove(files[i].path)
		}
	}
}

// journalHolder wraps a Journal so atomic.Value always stores the same
// concrete type.
type journalHolder struct {
	journal Journal
}

var defaultJournal atomic.Value

// SetDefault sets the process-wide journal.
func SetDefault(journal Journal) {
	defaultJournal.Store(journalHolder{journal: journal})
}

func getDefault() Journal {
	v := defaultJournal.Load()
	if v == nil {
		return nil
	}
	return v.(journalHolder).journal
}

// Log writes an entry to the default journal. A no-op until SetDefault
// has been called, so servers that disable wire journaling pay nothing.
func Log(entry *Entry) error {
	j := getDefault()
	if j == nil {
		return nil
	}
	return j.Log(entry)
}

// Query reads entries from the default journal.
func Query(filter Filter) ([]*Entry, error) {
	j := getDefault()
	if j == nil {
		return []*Entry{}, nil
	}
	return j.Query(filter)
}
