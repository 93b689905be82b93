package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	historyFileName   = ".history"
	historyTimeFormat = "2006-01-02 15:04:05"
)

// historyManager appends executed commands to ~/.torncache-cli/.history,
// one timestamped line each, and answers keyword/time range searches.
type historyManager struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func newHistoryManager(dir string) *historyManager {
	return &historyManager{path: filepath.Join(dir, historyFileName)}
}

// file opens the append handle on first use so that read-only commands
// never create the history file.
func (h *historyManager) file() (*os.File, error) {
	if h.f != nil {
		return h.f, nil
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	h.f = f
	return f, nil
}

func (h *historyManager) addRecord(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := h.file()
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(f, "%s | %s\n", time.Now().Format(historyTimeFormat), line)
}

// search returns history lines containing keyword within [since, until],
// newest last, capped at limit when limit > 0. Zero times mean unbounded.
func (h *historyManager) search(keyword string, since, until time.Time, limit int) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open history")
	}
	defer f.Close()

	var matched []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		at, rest, ok := splitHistoryLine(line)
		if !ok {
			continue
		}
		if !since.IsZero() && at.Before(since) {
			continue
		}
		if !until.IsZero() && at.After(until) {
			continue
		}
		if keyword != "" && !strings.Contains(rest, keyword) {
			continue
		}
		matched = append(matched, line)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan history")
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func splitHistoryLine(line string) (time.Time, string, bool) {
	idx := strings.Index(line, " | ")
	if idx < 0 {
		return time.Time{}, "", false
	}
	at, err := time.ParseInLocation(historyTimeFormat, line[:idx], time.Local)
	if err != nil {
		return time.Time{}, "", false
	}
	return at, line[idx+3:], true
}

func (h *historyManager) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f != nil {
		_ = h.f.Close()
		h.f = nil
	}
}
