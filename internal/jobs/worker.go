package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cohort-data/internal/registry"
	"cohort-data/internal/service"

	"go.uber.org/zap"
)

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Worker runs the job loop: a pool of goroutines popping envelopes and a
// promoter moving due retries back onto the ready list. Handlers are
// idempotent, so delivery is at-least-once; a rate-limited handler is the
// only one that gets retried, with exponential backoff.
type Worker struct {
	queue    *Queue
	cascade  *service.CascadeService
	matcher  *service.MatcherService
	commit   *service.CommitService
	sweep    *service.SweepService
	importer *service.ImporterService
	config   WorkerConfig
	logger   *zap.Logger
}

func NewWorker(
	queue *Queue,
	cascade *service.CascadeService,
	matcher *service.MatcherService,
	commit *service.CommitService,
	sweep *service.SweepService,
	importer *service.ImporterService,
	config WorkerConfig,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		queue:    queue,
		cascade:  cascade,
		matcher:  matcher,
		commit:   commit,
		sweep:    sweep,
		importer: importer,
		config:   config,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			w.workLoop(ctx, worker)
		}(i)
	}

	w.logger.Info("job workers started", zap.Int("workers", w.config.Workers))
	wg.Wait()
}

func (w *Worker) workLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		envelope, err := w.queue.Pop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to pop job", zap.Int("worker", worker), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if envelope == nil {
			continue
		}
		w.process(ctx, envelope)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx); err != nil {
				w.logger.Error("failed to promote scheduled jobs", zap.Error(err))
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, envelope *Envelope) {
	err := w.dispatch(ctx, envelope)
	if err == nil {
		return
	}

	if errors.Is(err, registry.ErrRateLimited) {
		if envelope.Attempt < w.config.MaxRetries {
			delay := w.config.RetryBaseDelay << envelope.Attempt
			w.logger.Warn("registry rate limited, scheduling retry",
				zap.String("job_id", envelope.ID),
				zap.String("type", string(envelope.Type)),
				zap.Int("attempt", envelope.Attempt),
				zap.Duration("delay", delay),
			)
			if pushErr := w.queue.PushAfter(ctx, *envelope, delay); pushErr != nil {
				w.logger.Error("failed to schedule retry", zap.Error(pushErr))
			}
			return
		}
		w.logger.Error("job exhausted retries",
			zap.String("job_id", envelope.ID),
			zap.String("type", string(envelope.Type)),
			zap.Int("attempt", envelope.Attempt),
		)
		return
	}

	w.logger.Error("job failed",
		zap.String("job_id", envelope.ID),
		zap.String("type", string(envelope.Type)),
		zap.Error(err),
	)
}

func (w *Worker) dispatch(ctx context.Context, envelope *Envelope) error {
	switch envelope.Type {
	case JobCascadeSearch:
		var args CascadeSearchArgs
		if err := json.Unmarshal(envelope.Args, &args); err != nil {
			return fmt.Errorf("failed to unmarshal cascade args: %w", err)
		}
		ref := service.SubjectRef{Kind: service.SubjectKind(args.SubjectKind), ID: args.SubjectID}
		return w.cascade.ContinueStep(ctx, ref, args.Attempts, args.Step)

	case JobProcessChangeset:
		var args ProcessChangesetArgs
		if err := json.Unmarshal(envelope.Args, &args); err != nil {
			return fmt.Errorf("failed to unmarshal process args: %w", err)
		}
		return w.matcher.ProcessChangeset(ctx, args.ChangesetID)

	case JobCommitImport:
		var args CommitImportArgs
		if err := json.Unmarshal(envelope.Args, &args); err != nil {
			return fmt.Errorf("failed to unmarshal commit args: %w", err)
		}
		return w.commit.Commit(ctx, args.ImportID)

	case JobVaccinationSearch:
		var args VaccinationSearchArgs
		if err := json.Unmarshal(envelope.Args, &args); err != nil {
			return fmt.Errorf("failed to unmarshal vaccination args: %w", err)
		}
		return w.sweep.SearchVaccinationHistory(ctx, args.PatientID)

	case JobStartImport:
		var args StartImportArgs
		if err := json.Unmarshal(envelope.Args, &args); err != nil {
			return fmt.Errorf("failed to unmarshal start-import args: %w", err)
		}
		return w.importer.StartImport(ctx, args.ImportID)

	case JobSweep:
		return w.sweep.Sweep(ctx)

	default:
		return fmt.Errorf("unknown job type: %s", envelope.Type)
	}
}
