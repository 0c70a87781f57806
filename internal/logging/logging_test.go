package logging

import (
	"bytes"
	"log"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenReadTailClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "plugman.log")
	var console bytes.Buffer
	if err := Open(path, &console); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close()

	for i := 0; i < 10; i++ {
		log.Printf("line %d", i)
	}

	tail, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), tail)
	}
	if !strings.HasSuffix(lines[2], "line 9") {
		t.Errorf("last line = %q, want suffix %q", lines[2], "line 9")
	}
	if !strings.Contains(console.String(), "line 0") {
		t.Error("expected console to receive log output")
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	tail, err = ReadTail(5)
	if err != nil {
		t.Fatalf("ReadTail after Clear: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty log after Clear, got %q", tail)
	}
}

func TestReadTail_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugman.log")
	if err := Open(path, &bytes.Buffer{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	Close()

	mu.Lock()
	logPath = filepath.Join(t.TempDir(), "nope.log")
	mu.Unlock()
	defer func() {
		mu.Lock()
		logPath = ""
		mu.Unlock()
	}()

	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty tail, got %q", tail)
	}
}
