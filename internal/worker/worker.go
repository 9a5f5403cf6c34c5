// Package worker drains the email job queue: it claims eligible jobs,
// resolves each app's provider config, dispatches in concurrent batches
// under the process-wide send limits and records delivery outcomes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/metrics"
	"github.com/avisitor/mail-service-sub000/internal/smtpcfg"
	"github.com/avisitor/mail-service-sub000/internal/types"
)

// testModePrefix on a job's Host field forces dry-run delivery for that job.
const testModePrefix = "TEST_MODE:"

// defaultTickCeiling bounds a tick when the caller passes no explicit limit.
const defaultTickCeiling = 50

// Jobs is the queue surface the worker needs.
type Jobs interface {
	FindEligibleJobs(ctx context.Context, limit int, now time.Time) ([]*db.EmailJob, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (*db.EmailJob, error)
	MarkJobCompleted(ctx context.Context, id string, now time.Time) error
	MarkJobFailed(ctx context.Context, id, reason string, now time.Time) error
	InsertMailLog(ctx context.Context, entry *db.MailLog) error
}

// Resolver yields the provider config a job's app sends with.
type Resolver interface {
	Resolve(ctx context.Context, appID string) *smtpcfg.Resolved
}

// Tracker enforces the hourly and daily send ceilings.
type Tracker interface {
	CheckHourly(limit int) bool
	CheckDaily(limit int) bool
	RemainingHourly(limit int) int
	RemainingDaily(limit int) int
	Increment()
}

// Config tunes a worker.
type Config struct {
	BatchSize       int
	InterBatchDelay time.Duration
	MaxPerHour      int
	MaxPerDay       int
	TestMode        bool
}

// Result aggregates one tick. Errors holds per-job messages; a tick that
// dispatched anything at all still returns a Result alongside a nil error.
type Result struct {
	JobsProcessed   int      `json:"jobsProcessed"`
	JobsSent        int      `json:"jobsSent"`
	JobsFailed      int      `json:"jobsFailed"`
	JobsRateLimited int      `json:"jobsRateLimited"`
	Errors          []string `json:"errors,omitempty"`
}

// Worker drains the job queue one tick at a time.
type Worker struct {
	jobs     Jobs
	resolver Resolver
	tracker  Tracker
	senders  []Sender
	dryRun   Sender
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a worker. senders are consulted in order for each resolved
// config's service; the dry-run path bypasses them entirely.
func New(jobs Jobs, resolver Resolver, tracker Tracker, senders []Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Worker{
		jobs:     jobs,
		resolver: resolver,
		tracker:  tracker,
		senders:  senders,
		dryRun:   NewDryRunSender(logger),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs ticks on interval until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			res := w.Tick(ctx, 0)
			if res.JobsProcessed > 0 || len(res.Errors) > 0 {
				w.logger.Info("tick finished",
					zap.Int("processed", res.JobsProcessed),
					zap.Int("sent", res.JobsSent),
					zap.Int("failed", res.JobsFailed),
					zap.Int("rate_limited", res.JobsRateLimited),
				)
			}
		}
	}
}

// Tick fetches up to limitJobs eligible jobs (0 means the default ceiling
// of min(50, batchSize*5)), dispatches them in fixed-size concurrent
// batches under the send limits, and reports the aggregate outcome. Jobs
// beyond what the limits allow are counted as rate limited and left in the
// queue untouched.
func (w *Worker) Tick(ctx context.Context, limitJobs int) *Result {
	res := &Result{}

	limit := limitJobs
	if limit <= 0 {
		limit = defaultTickCeiling
		if ceiling := w.config.BatchSize * 5; ceiling < limit {
			limit = ceiling
		}
	}

	now := w.now()
	jobs, err := w.jobs.FindEligibleJobs(ctx, limit, now)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("fetching eligible jobs: %v", err))
		w.logger.Error("fetching eligible jobs failed", zap.Error(err))
		return res
	}
	if len(jobs) == 0 {
		return res
	}

	allowed := len(jobs)
	if rem := w.tracker.RemainingHourly(w.config.MaxPerHour); rem >= 0 && rem < allowed {
		allowed = rem
	}
	if rem := w.tracker.RemainingDaily(w.config.MaxPerDay); rem >= 0 && rem < allowed {
		allowed = rem
	}

	res.JobsRateLimited = len(jobs) - allowed
	if res.JobsRateLimited > 0 {
		w.logger.Warn("send limit reached, deferring jobs",
			zap.Int("deferred", res.JobsRateLimited),
		)
	}
	sendable := jobs[:allowed]

	for start := 0; start < len(sendable); start += w.config.BatchSize {
		end := start + w.config.BatchSize
		if end > len(sendable) {
			end = len(sendable)
		}
		w.runBatch(ctx, sendable[start:end], res)

		if end < len(sendable) && w.config.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				res.Errors = append(res.Errors, ctx.Err().Error())
				return res
			case <-time.After(w.config.InterBatchDelay):
			}
		}
	}

	return res
}

type jobOutcome struct {
	status string // sent, failed, rate_limited, skipped
	err    error
}

// runBatch dispatches one batch concurrently. Each job's outcome is
// isolated: one failure never aborts its siblings.
func (w *Worker) runBatch(ctx context.Context, batch []*db.EmailJob, res *Result) {
	outcomes := make([]jobOutcome, len(batch))

	var wg sync.WaitGroup
	for i, job := range batch {
		wg.Add(1)
		go func(i int, job *db.EmailJob) {
			defer wg.Done()
			outcomes[i] = w.processJob(ctx, job)
		}(i, job)
	}
	wg.Wait()

	for i, out := range outcomes {
		switch out.status {
		case "sent":
			res.JobsProcessed++
			res.JobsSent++
			metrics.RecordJobProcessed("sent")
		case "failed":
			res.JobsProcessed++
			res.JobsFailed++
			metrics.RecordJobProcessed("failed")
			if out.err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("job %s: %v", batch[i].JobID, out.err))
			}
		case "rate_limited":
			res.JobsRateLimited++
			metrics.RecordJobProcessed("rate_limited")
		}
	}
}

// processJob drives one job from claim to terminal status.
func (w *Worker) processJob(ctx context.Context, job *db.EmailJob) jobOutcome {
	// Limits can be exhausted by siblings in the same batch; re-check
	// right before dispatch.
	if !w.tracker.CheckHourly(w.config.MaxPerHour) || !w.tracker.CheckDaily(w.config.MaxPerDay) {
		return jobOutcome{status: "rate_limited"}
	}

	now := w.now()
	claimed, err := w.jobs.ClaimJob(ctx, job.ID, now)
	if err != nil {
		return jobOutcome{status: "failed", err: fmt.Errorf("claiming: %w", err)}
	}
	if claimed == nil {
		// Another tick got there first.
		return jobOutcome{status: "skipped"}
	}
	job = claimed

	recipient, err := firstRecipient(job.Recipients)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("parsing recipients: %w", err))
	}

	cfg := w.resolver.Resolve(ctx, job.AppID)

	fromAddress := job.SenderEmail
	if fromAddress == "" {
		fromAddress = cfg.FromAddress
	}
	fromName := job.SenderName
	if fromName == "" {
		fromName = cfg.FromName
	}

	req := &SendRequest{
		To:          recipient,
		Subject:     job.Subject,
		Body:        job.Message,
		FromAddress: fromAddress,
		FromName:    fromName,
		Config:      cfg,
	}

	sender := w.pickSender(job, cfg)
	if sender == nil {
		return w.fail(ctx, job, fmt.Errorf("no sender for service %q", cfg.Service))
	}

	sendStart := w.now()
	result, err := sender.Send(ctx, req)
	metrics.RecordSendDuration(w.now().Sub(sendStart))
	if err != nil {
		return w.fail(ctx, job, err)
	}
	if rejected(result, recipient) {
		return w.fail(ctx, job, fmt.Errorf("recipient %s: %w", recipient, types.ErrProviderRejected))
	}

	w.tracker.Increment()
	w.writeMailLog(ctx, job, result)

	if err := w.jobs.MarkJobCompleted(ctx, job.ID, w.now()); err != nil {
		w.logger.Error("marking job completed failed",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
	return jobOutcome{status: "sent"}
}

// fail records the terminal failure, keeping the original error as the
// job's last_error even when the status write itself fails.
func (w *Worker) fail(ctx context.Context, job *db.EmailJob, cause error) jobOutcome {
	w.logger.Error("job failed",
		zap.String("job_id", job.JobID),
		zap.Int("attempt", job.AttemptCount),
		zap.Error(cause),
	)
	if err := w.jobs.MarkJobFailed(ctx, job.ID, cause.Error(), w.now()); err != nil {
		w.logger.Error("marking job failed failed",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
	return jobOutcome{status: "failed", err: cause}
}

// pickSender chooses the delivery path. TEST_MODE jobs and test-mode
// workers always go through dry run.
func (w *Worker) pickSender(job *db.EmailJob, cfg *smtpcfg.Resolved) Sender {
	if w.config.TestMode || strings.HasPrefix(job.Host, testModePrefix) {
		return w.dryRun
	}
	for _, s := range w.senders {
		if s.SupportsService(cfg.Service) {
			return s
		}
	}
	return nil
}

// writeMailLog appends the delivery record. A duplicate provider message
// id gets one retry under a disambiguated id; after that the miss is
// logged and the job still completes.
func (w *Worker) writeMailLog(ctx context.Context, job *db.EmailJob, result *SendResult) {
	entry := &db.MailLog{
		ID:          uuid.NewString(),
		MessageID:   result.MessageID,
		AppID:       job.AppID,
		Subject:     job.Subject,
		SenderName:  job.SenderName,
		SenderEmail: job.SenderEmail,
		Host:        job.Host,
		Username:    job.Username,
		Recipients:  job.Recipients,
		Message:     job.Message,
	}

	err := w.jobs.InsertMailLog(ctx, entry)
	if errors.Is(err, types.ErrConflict) {
		entry.ID = uuid.NewString()
		entry.MessageID = fmt.Sprintf("%s-%s", result.MessageID, uuid.NewString()[:8])
		err = w.jobs.InsertMailLog(ctx, entry)
	}
	if err != nil {
		w.logger.Error("writing mail log failed",
			zap.String("job_id", job.JobID),
			zap.String("message_id", result.MessageID),
			zap.Error(err),
		)
	}
}

type recipientEntry struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// firstRecipient extracts the dispatch target from the stored recipient
// list. The list is JSON ({email,name} objects or bare strings); rows from
// before the JSON format hold a single plain address.
func firstRecipient(stored string) (string, error) {
	trimmed := strings.TrimSpace(stored)
	if trimmed == "" {
		return "", fmt.Errorf("empty recipient list")
	}

	if strings.HasPrefix(trimmed, "[") {
		var entries []recipientEntry
		if err := json.Unmarshal([]byte(trimmed), &entries); err == nil && len(entries) > 0 && entries[0].Email != "" {
			return entries[0].Email, nil
		}
		var plain []string
		if err := json.Unmarshal([]byte(trimmed), &plain); err == nil && len(plain) > 0 && plain[0] != "" {
			return plain[0], nil
		}
		return "", fmt.Errorf("unrecognized recipient list %q", stored)
	}

	// Legacy rows store one bare address.
	return trimmed, nil
}

func rejected(result *SendResult, recipient string) bool {
	for _, r := range result.Rejected {
		if strings.EqualFold(r, recipient) {
			return true
		}
	}
	return false
}
