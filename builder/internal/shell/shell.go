// Package shell runs build commands with output streamed line by line and
// the whole process tree killed when the context ends.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 5 * time.Second

// Command builds an exec.Cmd bound to ctx. When ctx is done the process group
// is killed rather than only the direct child.
func Command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)
	return cmd
}

// Runner executes shell command strings through /bin/sh.
type Runner struct {
	// Env is appended to the builder's own environment.
	Env []string
}

// Run executes command in dir. Output lines from stdout and stderr are passed
// to onLine in arrival order.
func (r Runner) Run(ctx context.Context, dir, command string, env []string, onLine func(string)) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	cmd := Command(ctx, dir, "/bin/sh", "-c", command)
	cmd.Env = append(append(os.Environ(), r.Env...), env...)
	out := NewLineWriter(onLine)
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	out.Close()
	return wrapExit(ctx, command, err)
}

func wrapExit(ctx context.Context, command string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("command %q timed out: %w", command, ctxErr)
		}
		return fmt.Errorf("command %q cancelled: %w", command, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command %q exited with status %d", command, exitErr.ExitCode())
	}
	return fmt.Errorf("command %q failed: %w", command, err)
}

// LineWriter splits written bytes into lines. It is safe for concurrent writers.
type LineWriter struct {
	mu     sync.Mutex
	onLine func(string)
	buf    bytes.Buffer
}

// NewLineWriter returns a writer delivering each complete line to onLine.
func NewLineWriter(onLine func(string)) *LineWriter {
	return &LineWriter{onLine: onLine}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.emit(line)
	}
}

// Close flushes a trailing partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || w.onLine == nil {
		return
	}
	w.onLine(line)
}

// ScanLines feeds every line of r to onLine until EOF.
func ScanLines(r io.Reader, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" && onLine != nil {
			onLine(line)
		}
	}
	return scanner.Err()
}
