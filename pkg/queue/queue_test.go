package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func job(id string) Job {
	return Job{DeploymentID: id, ProjectID: "P", Branch: "main", CommitSHA: "abc123", RepoURL: "https://example.com/r.git"}
}

func TestMemoryQueueFIFOAndAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(20 * time.Millisecond)
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := q.Enqueue(ctx, job(id)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for _, want := range []string{"d1", "d2", "d3"} {
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if d.Job.DeploymentID != want {
			t.Fatalf("expected %s, got %s", want, d.Job.DeploymentID)
		}
		if d.Job.EnqueuedAt.IsZero() {
			t.Fatal("expected enqueue time to be stamped")
		}
		if err := q.Ack(ctx, d); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if q.InFlight() != 0 {
		t.Fatalf("expected no in-flight deliveries, got %d", q.InFlight())
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestMemoryQueueRecoverRequeuesInFlightFirst(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(20 * time.Millisecond)
	_ = q.Enqueue(ctx, job("d1"))
	_ = q.Enqueue(ctx, job("d2"))
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d.Job.DeploymentID != "d1" {
		t.Fatalf("expected recovered d1 first, got %s", d.Job.DeploymentID)
	}
}

func TestMemoryQueueDequeueWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2 * time.Second)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Enqueue(ctx, job("late"))
	}()
	start := time.Now()
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d.Job.DeploymentID != "late" || time.Since(start) > time.Second {
		t.Fatalf("expected prompt wake-up, got %s after %s", d.Job.DeploymentID, time.Since(start))
	}
}

func TestMemoryQueueDequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodeMalformedKeepsRaw(t *testing.T) {
	d, err := decode("{not json")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if d.raw == "" {
		t.Fatal("expected raw payload to be preserved for ack")
	}
}

func TestJobValidate(t *testing.T) {
	if err := job("d1").Validate(); err != nil {
		t.Fatalf("expected valid job, got %v", err)
	}
	if err := (Job{ProjectID: "P"}).Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestJobValidateRejectsOptionLikeSources(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Job)
	}{
		{"upload-pack commit", func(j *Job) { j.CommitSHA = "--upload-pack=touch /tmp/pwned;git-upload-pack" }},
		{"non-hex commit", func(j *Job) { j.CommitSHA = "main" }},
		{"too long commit", func(j *Job) { j.CommitSHA = "0123456789012345678901234567890123456789a" }},
		{"option repo", func(j *Job) { j.RepoURL = "--config=core.sshCommand=sh" }},
		{"ext transport", func(j *Job) { j.RepoURL = "ext::sh -c touch% /tmp/pwned" }},
		{"hostless https", func(j *Job) { j.RepoURL = "https:///r.git" }},
		{"option ssh host", func(j *Job) { j.RepoURL = "ssh://-oProxyCommand=id/r.git" }},
		{"option scp path", func(j *Job) { j.RepoURL = "git@example.com:-oProxyCommand=id" }},
		{"option branch", func(j *Job) { j.Branch = "-b" }},
		{"dotted branch", func(j *Job) { j.Branch = "feature/../main" }},
	}
	for _, tc := range cases {
		j := job("d1")
		tc.mutate(&j)
		if err := j.Validate(); !errors.Is(err, ErrInvalidSource) {
			t.Fatalf("%s: expected ErrInvalidSource, got %v", tc.name, err)
		}
	}
}

func TestJobValidateAcceptsRepoForms(t *testing.T) {
	for _, repo := range []string{
		"https://github.com/acme/site.git",
		"ssh://git@github.com/acme/site.git",
		"git@github.com:acme/site.git",
		"git://example.com/site",
		"file:///srv/git/site.git",
	} {
		j := job("d1")
		j.RepoURL = repo
		j.CommitSHA = "0123456789abcdef0123456789abcdef01234567"
		j.Branch = "release/v1.2"
		if err := j.Validate(); err != nil {
			t.Fatalf("%s: unexpected error %v", repo, err)
		}
	}
}

type flakyQueue struct {
	*MemoryQueue
	failures int
	calls    int
}

func (f *flakyQueue) Enqueue(ctx context.Context, j Job) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return f.MemoryQueue.Enqueue(ctx, j)
}

func TestEnqueueWithRetry(t *testing.T) {
	ctx := context.Background()

	noRetry := &flakyQueue{MemoryQueue: NewMemoryQueue(0), failures: 1}
	if err := EnqueueWithRetry(ctx, noRetry, job("d1"), nil); err == nil {
		t.Fatal("expected NoRetry to surface the first failure")
	}
	if noRetry.calls != 1 {
		t.Fatalf("expected single attempt, got %d", noRetry.calls)
	}

	backoff := &flakyQueue{MemoryQueue: NewMemoryQueue(0), failures: 2}
	policy := Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Attempts: 3}
	if err := EnqueueWithRetry(ctx, backoff, job("d1"), policy); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if backoff.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", backoff.calls)
	}

	exhausted := &flakyQueue{MemoryQueue: NewMemoryQueue(0), failures: 10}
	err := EnqueueWithRetry(ctx, exhausted, job("d1"), Backoff{Base: time.Millisecond, Attempts: 2})
	if err == nil || err.Error() != "connection refused" {
		t.Fatalf("expected underlying error after exhaustion, got %v", err)
	}
	if exhausted.calls != 3 {
		t.Fatalf("expected 1+2 attempts, got %d", exhausted.calls)
	}
}
