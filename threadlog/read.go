package threadlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/pithecene-io/tributary/types"
)

// File name suffixes.
const (
	Ext           = ".jsonl"
	CompressedExt = ".jsonl.zst"
)

// ErrNotFound is returned when no log exists for a thread.
var ErrNotFound = errors.New("thread log not found")

// ErrInvalidID is returned for thread ids that cannot name a log file.
var ErrInvalidID = errors.New("invalid thread id")

// ParseError reports a malformed line. Line is 1-based.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Read parses the log at path. Files ending in .zst are decompressed.
func Read(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open thread log: %w", err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer dec.Close()
		return Decode(dec)
	}
	return Decode(f)
}

// Decode parses JSONL events from r in order. Blank lines are skipped.
func Decode(r io.Reader) ([]types.Event, error) {
	br := bufio.NewReader(r)
	var events []types.Event

	for line := 1; ; line++ {
		raw, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var ev types.Event
			if uerr := json.Unmarshal(raw, &ev); uerr != nil {
				return events, &ParseError{Line: line, Err: uerr}
			}
			events = append(events, ev)
		}
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("read thread log: %w", err)
		}
	}
}

// SplitBlueprint separates a leading thread-blueprint line from the
// history. The blueprint is nil when the log has none.
func SplitBlueprint(events []types.Event) (*types.Event, []types.Event) {
	if len(events) > 0 && events[0].Type == types.EventTypeBlueprint {
		bp := events[0]
		return &bp, events[1:]
	}
	return nil, events
}

// CheckID rejects ids that would escape or alias a log directory.
// A valid id is a single path element other than "." and "..".
func CheckID(threadID string) error {
	switch {
	case threadID == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case threadID == "." || threadID == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, threadID)
	case strings.ContainsAny(threadID, "/\\\x00"), filepath.Base(threadID) != threadID:
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, threadID)
	}
	return nil
}

// Path returns the uncompressed log path for a thread in dir. Callers
// taking ids from outside the process check them with CheckID first.
func Path(dir, threadID string) string {
	return filepath.Join(dir, threadID+Ext)
}

// Resolve finds the log for threadID in dir, preferring the live file over
// a compressed archive.
func Resolve(dir, threadID string) (string, error) {
	if err := CheckID(threadID); err != nil {
		return "", err
	}
	for _, p := range []string{Path(dir, threadID), filepath.Join(dir, threadID+CompressedExt)} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", threadID, ErrNotFound)
}

// List returns the thread ids with a log in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list thread logs: %w", err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, CompressedExt):
			seen[strings.TrimSuffix(name, CompressedExt)] = true
		case strings.HasSuffix(name, Ext):
			seen[strings.TrimSuffix(name, Ext)] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
