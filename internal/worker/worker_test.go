package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/ratelimit"
	"github.com/avisitor/mail-service-sub000/internal/smtpcfg"
	"github.com/avisitor/mail-service-sub000/internal/types"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*db.EmailJob
	order    []string
	mailLogs []*db.MailLog
	// message ids that collide on first insert
	conflictOnce map[string]bool
	claimFails   bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:         make(map[string]*db.EmailJob),
		conflictOnce: make(map[string]bool),
	}
}

func (f *fakeJobs) add(job *db.EmailJob) {
	f.jobs[job.ID] = job
	f.order = append(f.order, job.ID)
}

// FindEligibleJobs mirrors the repository's poll: pending or failed under
// the attempt cap, unscheduled or due, unscheduled first then scheduledAt
// ascending.
func (f *fakeJobs) FindEligibleJobs(_ context.Context, limit int, now time.Time) ([]*db.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var unscheduled, due []*db.EmailJob
	for _, id := range f.order {
		job := f.jobs[id]
		if job.Status != db.JobPending && job.Status != db.JobFailed {
			continue
		}
		if job.AttemptCount >= db.MaxAttempts {
			continue
		}
		switch {
		case job.ScheduledAt == nil:
			unscheduled = append(unscheduled, job)
		case !job.ScheduledAt.After(now):
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	out := append(unscheduled, due...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) ClaimJob(_ context.Context, id string, _ time.Time) (*db.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimFails {
		return nil, nil
	}
	job := f.jobs[id]
	if job.Status != db.JobPending && job.Status != db.JobFailed {
		return nil, nil
	}
	job.Status = db.JobProcessing
	job.AttemptCount++
	return job, nil
}

func (f *fakeJobs) MarkJobCompleted(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = db.JobCompleted
	f.jobs[id].LastError = nil
	return nil
}

func (f *fakeJobs) MarkJobFailed(_ context.Context, id, reason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = db.JobFailed
	f.jobs[id].LastError = &reason
	return nil
}

func (f *fakeJobs) InsertMailLog(_ context.Context, entry *db.MailLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictOnce[entry.MessageID] {
		delete(f.conflictOnce, entry.MessageID)
		return fmt.Errorf("mail log %s: %w", entry.MessageID, types.ErrConflict)
	}
	for _, logged := range f.mailLogs {
		if logged.MessageID == entry.MessageID {
			return fmt.Errorf("mail log %s: %w", entry.MessageID, types.ErrConflict)
		}
	}
	f.mailLogs = append(f.mailLogs, entry)
	return nil
}

type fakeResolver struct {
	cfg *smtpcfg.Resolved
}

func (r *fakeResolver) Resolve(context.Context, string) *smtpcfg.Resolved {
	return r.cfg
}

// scriptedSender succeeds unless the recipient appears in failTo or
// rejectTo. It records every dispatched recipient.
type scriptedSender struct {
	mu       sync.Mutex
	sent     []string
	failTo   map[string]bool
	rejectTo map[string]bool
	seq      int
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{
		failTo:   make(map[string]bool),
		rejectTo: make(map[string]bool),
	}
}

func (s *scriptedSender) Send(_ context.Context, req *SendRequest) (*SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTo[req.To] {
		return nil, errors.New("connection refused")
	}
	s.seq++
	result := &SendResult{
		MessageID: fmt.Sprintf("msg-%d", s.seq),
		Status:    "sent",
		Accepted:  []string{req.To},
	}
	if s.rejectTo[req.To] {
		result.Accepted = nil
		result.Rejected = []string{req.To}
	}
	s.sent = append(s.sent, req.To)
	return result, nil
}

func (s *scriptedSender) SupportsService(service string) bool {
	return service == db.ServiceSMTP || service == ""
}

func testJob(id int, recipients string) *db.EmailJob {
	return &db.EmailJob{
		ID:         fmt.Sprintf("id-%d", id),
		JobID:      fmt.Sprintf("job-%d", id),
		GroupID:    "group-1",
		AppID:      "app-1",
		Status:     db.JobPending,
		Subject:    "hello",
		Message:    "<p>hi</p>",
		Recipients: recipients,
	}
}

func newTestWorker(jobs *fakeJobs, sender Sender, cfg Config) (*Worker, *ratelimit.Tracker) {
	tracker := ratelimit.New()
	resolver := &fakeResolver{cfg: &smtpcfg.Resolved{
		Host:        "smtp.example.com",
		Port:        587,
		FromAddress: "noreply@example.com",
		FromName:    "Example",
		Service:     db.ServiceSMTP,
	}}
	w := New(jobs, resolver, tracker, []Sender{sender}, cfg, zap.NewNop())
	return w, tracker
}

func TestTickSendsEligibleJobs(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"a@example.com","name":"A"}]`))
	jobs.add(testJob(2, `[{"email":"b@example.com","name":"B"}]`))
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsProcessed != 2 || res.JobsSent != 2 || res.JobsFailed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, id := range []string{"id-1", "id-2"} {
		if jobs.jobs[id].Status != db.JobCompleted {
			t.Fatalf("job %s not completed: %s", id, jobs.jobs[id].Status)
		}
	}
	if len(jobs.mailLogs) != 2 {
		t.Fatalf("expected 2 mail log entries, got %d", len(jobs.mailLogs))
	}
}

func TestTickFirstRecipientOnly(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"first@example.com"},{"email":"second@example.com"}]`))
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	w.Tick(context.Background(), 0)

	if len(sender.sent) != 1 || sender.sent[0] != "first@example.com" {
		t.Fatalf("expected one send to the first recipient, got %v", sender.sent)
	}
	// The stored list is preserved for the audit trail.
	if !strings.Contains(jobs.mailLogs[0].Recipients, "second@example.com") {
		t.Fatal("full recipient list should survive into the mail log")
	}
}

func TestTickLegacyPlainRecipient(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, "plain@example.com"))
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsSent != 1 {
		t.Fatalf("legacy recipient row should send, got %+v", res)
	}
	if sender.sent[0] != "plain@example.com" {
		t.Fatalf("wrong recipient: %v", sender.sent)
	}
}

func TestTickSchedulingEligibility(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	jobs := newFakeJobs()
	job1 := testJob(1, `[{"email":"now@example.com"}]`)
	job2 := testJob(2, `[{"email":"due@example.com"}]`)
	job2.ScheduledAt = &past
	job3 := testJob(3, `[{"email":"later@example.com"}]`)
	job3.ScheduledAt = &future
	jobs.add(job2)
	jobs.add(job3)
	jobs.add(job1)
	sender := newScriptedSender()
	// batch size 1 keeps dispatch sequential so the order is observable
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 1})

	res := w.Tick(context.Background(), 0)

	if res.JobsProcessed != 2 || res.JobsSent != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Unscheduled jobs go ahead of due scheduled ones.
	want := []string{"now@example.com", "due@example.com"}
	if len(sender.sent) != 2 || sender.sent[0] != want[0] || sender.sent[1] != want[1] {
		t.Fatalf("dispatch order %v, want %v", sender.sent, want)
	}
	if jobs.jobs["id-3"].Status != db.JobPending {
		t.Fatalf("future job should stay pending, got %s", jobs.jobs["id-3"].Status)
	}
}

func TestTickAttemptCapExcludesJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"down@example.com"}]`))
	sender := newScriptedSender()
	sender.failTo["down@example.com"] = true
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})
	ctx := context.Background()

	for i := 1; i <= db.MaxAttempts; i++ {
		res := w.Tick(ctx, 0)
		if res.JobsProcessed != 1 || res.JobsFailed != 1 {
			t.Fatalf("attempt %d: unexpected result %+v", i, res)
		}
	}

	if got := jobs.jobs["id-1"].AttemptCount; got != db.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", db.MaxAttempts, got)
	}

	// At the cap the job leaves the poll set until re-enqueued manually.
	res := w.Tick(ctx, 0)
	if res.JobsProcessed != 0 {
		t.Fatalf("capped job must not be polled again, got %+v", res)
	}
	if jobs.jobs["id-1"].Status != db.JobFailed {
		t.Fatalf("job should remain failed, got %s", jobs.jobs["id-1"].Status)
	}
}

func TestTickHourlyLimitCapsDispatch(t *testing.T) {
	jobs := newFakeJobs()
	for i := 1; i <= 5; i++ {
		jobs.add(testJob(i, fmt.Sprintf(`[{"email":"r%d@example.com"}]`, i)))
	}
	sender := newScriptedSender()
	w, tracker := newTestWorker(jobs, sender, Config{BatchSize: 10, MaxPerHour: 2})

	res := w.Tick(context.Background(), 0)

	if res.JobsSent != 2 {
		t.Fatalf("expected exactly 2 sends under the hourly cap, got %d", res.JobsSent)
	}
	if res.JobsRateLimited != 3 {
		t.Fatalf("expected 3 rate-limited jobs, got %d", res.JobsRateLimited)
	}
	if rem := tracker.RemainingHourly(2); rem != 0 {
		t.Fatalf("hourly budget should be exhausted, remaining=%d", rem)
	}

	// Deferred jobs stay queued for the next window.
	pending := 0
	for _, job := range jobs.jobs {
		if job.Status == db.JobPending {
			pending++
		}
	}
	if pending != 3 {
		t.Fatalf("expected 3 jobs left pending, got %d", pending)
	}
}

func TestTickBatchIsolation(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"ok@example.com"}]`))
	jobs.add(testJob(2, `[{"email":"down@example.com"}]`))
	jobs.add(testJob(3, `[{"email":"fine@example.com"}]`))
	sender := newScriptedSender()
	sender.failTo["down@example.com"] = true
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 3})

	res := w.Tick(context.Background(), 0)

	if res.JobsSent != 2 || res.JobsFailed != 1 {
		t.Fatalf("one failure must not sink the batch: %+v", res)
	}
	failed := jobs.jobs["id-2"]
	if failed.Status != db.JobFailed || failed.LastError == nil {
		t.Fatalf("failed job should carry its error, got %+v", failed)
	}
	if !strings.Contains(*failed.LastError, "connection refused") {
		t.Fatalf("original error masked: %q", *failed.LastError)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 aggregate error, got %v", res.Errors)
	}
}

func TestTickRejectedRecipientFails(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"bounce@example.com"}]`))
	sender := newScriptedSender()
	sender.rejectTo["bounce@example.com"] = true
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsFailed != 1 {
		t.Fatalf("rejected recipient should fail the job: %+v", res)
	}
	if jobs.jobs["id-1"].LastError == nil || !strings.Contains(*jobs.jobs["id-1"].LastError, "rejected") {
		t.Fatalf("last error should name the rejection, got %v", jobs.jobs["id-1"].LastError)
	}
}

func TestTickLostClaimSkipsJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"a@example.com"}]`))
	jobs.claimFails = true
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsProcessed != 0 || res.JobsFailed != 0 {
		t.Fatalf("lost claim should not count as an outcome: %+v", res)
	}
	if len(sender.sent) != 0 {
		t.Fatal("nothing should be dispatched after a lost claim")
	}
}

func TestTickRespectsExplicitLimit(t *testing.T) {
	jobs := newFakeJobs()
	for i := 1; i <= 4; i++ {
		jobs.add(testJob(i, fmt.Sprintf(`[{"email":"r%d@example.com"}]`, i)))
	}
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 2)

	if res.JobsSent != 2 {
		t.Fatalf("explicit limit should cap the fetch, got %d sends", res.JobsSent)
	}
}

func TestMailLogConflictRetriesOnce(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, `[{"email":"a@example.com"}]`))
	jobs.conflictOnce["msg-1"] = true
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsSent != 1 {
		t.Fatalf("conflict on the mail log must not fail the job: %+v", res)
	}
	if len(jobs.mailLogs) != 1 {
		t.Fatalf("expected a single disambiguated entry, got %d", len(jobs.mailLogs))
	}
	if !strings.HasPrefix(jobs.mailLogs[0].MessageID, "msg-1-") {
		t.Fatalf("retried entry should carry a disambiguated id, got %q", jobs.mailLogs[0].MessageID)
	}
}

func TestTestModeHostPrefixUsesDryRun(t *testing.T) {
	jobs := newFakeJobs()
	job := testJob(1, `[{"email":"a@example.com"}]`)
	job.Host = "TEST_MODE:smtp.example.com"
	jobs.add(job)
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsSent != 1 {
		t.Fatalf("dry run should complete the job: %+v", res)
	}
	if len(sender.sent) != 0 {
		t.Fatal("test-mode job must not reach the real sender")
	}
	if !strings.HasPrefix(jobs.mailLogs[0].MessageID, "dry-run-") {
		t.Fatalf("dry-run message id expected, got %q", jobs.mailLogs[0].MessageID)
	}
}

func TestEmptyRecipientsFailsJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.add(testJob(1, ""))
	sender := newScriptedSender()
	w, _ := newTestWorker(jobs, sender, Config{BatchSize: 10})

	res := w.Tick(context.Background(), 0)

	if res.JobsFailed != 1 {
		t.Fatalf("empty recipient list should fail the job: %+v", res)
	}
}

func TestFirstRecipientParsing(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		want    string
		wantErr bool
	}{
		{"object list", `[{"email":"a@x.com","name":"A"},{"email":"b@x.com"}]`, "a@x.com", false},
		{"string list", `["a@x.com","b@x.com"]`, "a@x.com", false},
		{"legacy plain", "a@x.com", "a@x.com", false},
		{"legacy padded", "  a@x.com ", "a@x.com", false},
		{"empty", "", "", true},
		{"empty list", "[]", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := firstRecipient(tt.stored)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
