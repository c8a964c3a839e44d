//go:build unix

package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRunStreamsLines(t *testing.T) {
	dir := t.TempDir()
	var (
		mu    sync.Mutex
		lines []string
	)
	err := Runner{}.Run(context.Background(), dir, "echo one; echo two 1>&2; printf three", nil, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	joined := strings.Join(lines, ",")
	for _, want := range []string{"one", "two", "three"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in output %v", want, lines)
		}
	}
}

func TestRunWritesInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := (Runner{}).Run(context.Background(), dir, "echo ok > index.html", nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "index.html"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.TrimSpace(string(data)) != "ok" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestRunReportsExitStatus(t *testing.T) {
	err := Runner{}.Run(context.Background(), t.TempDir(), "exit 3", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "status 3") {
		t.Fatalf("expected exit status error, got %v", err)
	}
}

func TestRunKillsProcessGroupOnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	// The background sleep holds stdout open; only a group kill releases it.
	err := Runner{}.Run(ctx, t.TempDir(), "sleep 30 & sleep 30", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("expected prompt kill, took %s", elapsed)
	}
}

func TestRunPassesEnv(t *testing.T) {
	var got string
	err := Runner{Env: []string{"BASE=1"}}.Run(context.Background(), t.TempDir(), "echo $BASE-$EXTRA", []string{"EXTRA=2"}, func(line string) { got = line })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "1-2" {
		t.Fatalf("unexpected env expansion %q", got)
	}
}

func TestLineWriterJoinsPartialWrites(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })
	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\nwor"))
	_, _ = w.Write([]byte("ld\r\n\npartial"))
	_ = w.Close()
	want := []string{"hello", "world", "partial"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %v", lines)
	}
}
