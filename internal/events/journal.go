package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 100 * 1024 * 1024
	// DefaultKeepArchives is how many rotated files are kept per journal.
	DefaultKeepArchives = 10
	ArchiveDir          = "archive"
)

// Entry is one line of a journal.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Worker    string         `json:"worker,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// newEntry lifts the "worker" and "task_id" keys out of details.
func newEntry(ts time.Time, eventType string, details map[string]any) Entry {
	e := Entry{Timestamp: ts.UTC(), EventType: eventType}
	for k, v := range details {
		switch k {
		case "worker":
			e.Worker, _ = v.(string)
		case "task_id":
			e.TaskID, _ = v.(string)
		default:
			if e.Details == nil {
				e.Details = make(map[string]any, len(details))
			}
			e.Details[k] = v
		}
	}
	return e
}

// Journal appends JSON lines to a file, fsyncing each one. A write that
// would push the file past maxSize first moves it to
// <dir>/archive/<name>.<timestamp>.<n>.jsonl; only the newest keep
// archives survive.
type Journal struct {
	path    string
	maxSize int64
	keep    int
	now     func() time.Time

	mu        sync.Mutex
	file      *os.File
	size      int64
	rotations int
}

func NewJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: path, maxSize: maxSize, keep: DefaultKeepArchives, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = info.Size()
	return nil
}

// Append writes one entry for eventType.
func (j *Journal) Append(eventType string, details map[string]any) error {
	return j.write(newEntry(j.now(), eventType, details))
}

// Record adapts Append to a bus subscriber, keeping the publish time.
func (j *Journal) Record(e Event) {
	_ = j.write(newEntry(e.Timestamp, string(e.Type), e.Data))
}

func (j *Journal) write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", e.EventType, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if j.size > 0 && j.size+int64(len(line)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(line)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return j.file.Sync()
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	j.file = nil

	archive := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return err
	}
	j.rotations++
	name := fmt.Sprintf("%s.%s.%d.jsonl", j.base(), j.now().Format("20060102_150405"), j.rotations)
	if err := os.Rename(j.path, filepath.Join(archive, name)); err != nil {
		return err
	}
	j.prune(archive)
	return j.open()
}

func (j *Journal) base() string {
	return strings.TrimSuffix(filepath.Base(j.path), ".jsonl")
}

// prune removes the oldest archives of this journal beyond keep. Names
// sort by timestamp, then rotation number within a second.
func (j *Journal) prune(archive string) {
	matches, err := filepath.Glob(filepath.Join(archive, j.base()+".*.jsonl"))
	if err != nil || len(matches) <= j.keep {
		return
	}
	sort.Slice(matches, func(a, b int) bool {
		return archiveKey(matches[a]) < archiveKey(matches[b])
	})
	for _, m := range matches[:len(matches)-j.keep] {
		_ = os.Remove(m)
	}
}

// archiveKey pads the rotation counter so lexical order matches age.
func archiveKey(path string) string {
	parts := strings.Split(strings.TrimSuffix(filepath.Base(path), ".jsonl"), ".")
	if len(parts) < 3 {
		return path
	}
	n := parts[len(parts)-1]
	return parts[len(parts)-2] + "." + strings.Repeat("0", max(0, 8-len(n))) + n
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (j *Journal) Path() string {
	return j.path
}

// Size is the current file's length in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}
