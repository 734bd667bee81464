package archive

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/logging"
)

// ErrQueueFull is returned by Enqueue when the job queue has no room.
var ErrQueueFull = errors.New("archive queue full")

// Job asks the worker to archive a session's recordings. With RecordingID
// set only that recording is archived.
type Job struct {
	SessionID   string
	BotType     string
	RecordingID string
}

// Result is reported once per job after its last attempt.
type Result struct {
	Job      Job
	Archived []domain.ArchivedRecording
	Err      error
}

// Worker runs archive jobs on a fixed pool with exponential backoff.
type Worker struct {
	archiver *Archiver
	jobs     chan Job
	workers  int
	cfg      config.ArchiveConfig
	log      *logging.Logger

	// OnResult, when set, is called from the worker goroutine after each job.
	OnResult func(Result)
}

// NewWorker creates a worker pool around archiver.
func NewWorker(archiver *Archiver, cfg config.ArchiveConfig, log *logging.Logger) *Worker {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		archiver: archiver,
		jobs:     make(chan Job, queue),
		workers:  workers,
		cfg:      cfg,
		log:      log.Sub("archive.worker"),
	}
}

// Enqueue schedules a job without blocking.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.jobs <- job:
		w.log.Debug().Str("session", job.SessionID).Str("recording", job.RecordingID).Msg("archive job queued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is cancelled. Jobs still queued at that point
// are dropped; their ledger rows stay pending and can be archived again.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-w.jobs:
					w.process(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// Process runs one job to completion, retrying transient failures.
func (w *Worker) Process(ctx context.Context, job Job) Result {
	log := w.log.With(job.SessionID, "archive")
	archived := map[string]domain.ArchivedRecording{}
	attempt := 0

	err := retry.Do(ctx, w.backoff(), func(ctx context.Context) error {
		attempt++
		res, err := w.attempt(ctx, job)
		for _, r := range res {
			if prev, ok := archived[r.RecordingID]; ok && r.Skipped {
				r.Skipped = prev.Skipped
			}
			archived[r.RecordingID] = r
		}
		if err != nil && IsRetryable(err) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("archive attempt failed, will retry")
			return retry.RetryableError(err)
		}
		return err
	})

	result := Result{Job: job, Err: err}
	for _, r := range archived {
		result.Archived = append(result.Archived, r)
	}

	switch {
	case err == nil:
		log.Info().Int("recordings", len(result.Archived)).Int("attempts", attempt).Msg("archive job done")
	case ctx.Err() != nil:
		log.Warn().Err(err).Msg("archive job interrupted")
	case errors.Is(err, ErrNoRecordings):
		log.Info().Int("attempts", attempt).Msg("no recordings to archive")
	default:
		log.Error().Err(err).Int("attempts", attempt).Msg("archive job gave up")
		w.archiver.GiveUp(context.WithoutCancel(ctx), job.SessionID, job.RecordingID, err)
	}
	return result
}

func (w *Worker) process(ctx context.Context, job Job) {
	res := w.Process(ctx, job)
	if w.OnResult != nil {
		w.OnResult(res)
	}
}

func (w *Worker) attempt(ctx context.Context, job Job) ([]domain.ArchivedRecording, error) {
	if job.RecordingID == "" {
		return w.archiver.ArchiveSession(ctx, job.SessionID, job.BotType)
	}
	res, err := w.archiver.Archive(ctx, domain.Recording{
		ID:        job.RecordingID,
		SessionID: job.SessionID,
		BotType:   job.BotType,
	})
	if err != nil {
		return nil, err
	}
	return []domain.ArchivedRecording{res}, nil
}

func (w *Worker) backoff() retry.Backoff {
	initial := w.cfg.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	b := retry.NewExponential(initial)
	if w.cfg.MaxDelay > 0 {
		b = retry.WithCappedDuration(w.cfg.MaxDelay, b)
	}
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(max(w.cfg.MaxRetries, 0)), b)
}
