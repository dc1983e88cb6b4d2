package overseer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/msageha/conductor/internal/logging"
)

// tailBuffer is the read buffer size; backlogs larger than it are read
// in pieces, never skipped.
const tailBuffer = 64 << 10

// LogTailer reads complete lines appended to a log file since the last
// read. A changed inode or a file shorter than the saved offset means the
// log was rotated or truncated, and reading restarts from the top.
type LogTailer struct {
	path   string
	offset int64
	inode  uint64
}

// NewLogTailer returns a tailer positioned at the current end of path.
func NewLogTailer(path string) *LogTailer {
	t := &LogTailer{path: path}
	t.SkipToEnd()
	return t
}

// SkipToEnd discards everything written so far.
func (t *LogTailer) SkipToEnd() {
	var st unix.Stat_t
	if err := unix.Stat(t.path, &st); err != nil {
		t.offset, t.inode = 0, 0
		return
	}
	t.offset, t.inode = st.Size, st.Ino
}

// scan passes every complete line written since the previous call to fn,
// in order. A trailing partial line is left for the next call.
func (t *LogTailer) scan(fn func(line []byte)) error {
	var st unix.Stat_t
	if err := unix.Stat(t.path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	if st.Ino != t.inode || st.Size < t.offset {
		t.offset, t.inode = 0, st.Ino
	}
	if st.Size == t.offset {
		return nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(io.NewSectionReader(f, t.offset, st.Size-t.offset), tailBuffer)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", t.path, err)
		}
		t.offset += int64(len(line))
		fn(line[:len(line)-1])
	}
}

// ReadNew returns the complete lines written since the previous call.
func (t *LogTailer) ReadNew() ([]string, error) {
	var lines []string
	err := t.scan(func(line []byte) {
		lines = append(lines, string(line))
	})
	return lines, err
}

// FirstAlert consumes every new line and returns the first WARN or ERROR
// line among them, if any.
func (t *LogTailer) FirstAlert() (string, bool, error) {
	var (
		alert string
		found bool
	)
	err := t.scan(func(line []byte) {
		if found {
			return
		}
		if e, ok := logging.ParseLine(string(line)); ok && e.IsAlert() {
			alert, found = string(line), true
		}
	})
	if err != nil {
		return "", false, err
	}
	return alert, found, nil
}
