package deploy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	buildLogRepeatFlushInterval = 5 * time.Second
	buildLogBufferSize          = 100
	failureLogTail              = 20
)

// buildLogAggregator collapses runs of identical lines and keeps a bounded
// tail for failure reports. Stdout and stderr may call Add concurrently.
type buildLogAggregator struct {
	mu       sync.Mutex
	emit     func(string)
	now      func() time.Time
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
}

func newBuildLogAggregator(emit func(string)) *buildLogAggregator {
	return &buildLogAggregator{
		emit:     emit,
		now:      time.Now,
		maxDelay: buildLogRepeatFlushInterval,
		bufSize:  buildLogBufferSize,
	}
}

func (a *buildLogAggregator) Add(line string) {
	if a == nil || line == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

func (a *buildLogAggregator) Flush() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsAt(a.now())
}

func (a *buildLogAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *buildLogAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.record(line)
	a.lastEmit = now
}

func (a *buildLogAggregator) record(line string) {
	if a.bufSize <= 0 {
		return
	}
	if len(a.buffer) < a.bufSize {
		a.buffer = append(a.buffer, line)
		return
	}
	a.buffer = append(a.buffer[1:], line)
}

func (a *buildLogAggregator) Snapshot(limit int) []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}

func truncateForMetadata(s string) string {
	s = strings.TrimSpace(s)
	const limit = 4096
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..." + fmt.Sprintf(" (%d bytes truncated)", len(s)-limit)
}
