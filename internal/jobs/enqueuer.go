package jobs

import (
	"context"

	"cohort-data/internal/domain"
	"cohort-data/internal/service"
)

// QueueEnqueuer implements the service-layer enqueue boundary on the redis
// queue.
type QueueEnqueuer struct {
	queue *Queue
}

func NewQueueEnqueuer(queue *Queue) *QueueEnqueuer {
	return &QueueEnqueuer{queue: queue}
}

var _ service.Enqueuer = (*QueueEnqueuer)(nil)

func (e *QueueEnqueuer) EnqueueCascadeStep(ctx context.Context, ref service.SubjectRef, step domain.Step, attempts []domain.SearchAttempt) error {
	return e.queue.Push(ctx, JobCascadeSearch, CascadeSearchArgs{
		SubjectKind: string(ref.Kind),
		SubjectID:   ref.ID,
		Step:        step,
		Attempts:    attempts,
	})
}

func (e *QueueEnqueuer) EnqueueProcessChangeset(ctx context.Context, changesetID string) error {
	return e.queue.Push(ctx, JobProcessChangeset, ProcessChangesetArgs{ChangesetID: changesetID})
}

func (e *QueueEnqueuer) EnqueueCommitImport(ctx context.Context, importID string) error {
	return e.queue.Push(ctx, JobCommitImport, CommitImportArgs{ImportID: importID})
}

func (e *QueueEnqueuer) EnqueueVaccinationSearch(ctx context.Context, patientID string) error {
	return e.queue.Push(ctx, JobVaccinationSearch, VaccinationSearchArgs{PatientID: patientID})
}

// EnqueueStartImport is called by the upload surface once an import's rows
// are parsed and validated.
func (e *QueueEnqueuer) EnqueueStartImport(ctx context.Context, importID string) error {
	return e.queue.Push(ctx, JobStartImport, StartImportArgs{ImportID: importID})
}

// EnqueueSweep triggers one reconciliation sweep run.
func (e *QueueEnqueuer) EnqueueSweep(ctx context.Context) error {
	return e.queue.Push(ctx, JobSweep, SweepArgs{})
}
