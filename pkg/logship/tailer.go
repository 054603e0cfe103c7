package logship

import (
	"bufio"
	"io"
	"os"
	"time"
)

// Entry is one log line with its read timestamp.
type Entry struct {
	Time time.Time
	Line string
}

// Tailer follows one append-only log file, returning new complete
// lines on each poll. Truncation (log rotation that reuses the path)
// resets the read offset to the start of the new file.
type Tailer struct {
	path    string
	process string
	offset  int64
}

// NewTailer tails path, labeling its lines with the process name.
// Shipping starts from the current end of file so a restart does not
// re-upload history.
func NewTailer(process, path string) *Tailer {
	t := &Tailer{path: path, process: process}
	if stat, err := os.Stat(path); err == nil {
		t.offset = stat.Size()
	}
	return t
}

// Poll reads lines appended since the last call. A missing file is
// not an error; it simply yields nothing until the file appears.
func (t *Tailer) Poll() ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.offset = 0
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < t.offset {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}

	var entries []Entry
	now := time.Now()
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial line stays unread until its newline arrives.
			break
		}
		t.offset += int64(len(line))
		entries = append(entries, Entry{Time: now, Line: line[:len(line)-1]})
	}
	return entries, nil
}
