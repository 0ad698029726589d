// Package jobs implements the Job Runner (component C10): enqueue/claim/
// status on top of the Entity Store's jobs table, wired through the
// teacher's pkg/queue contracts (Producer/Consumer/Runner/RetryPolicy) so a
// DB-backed queue gets the same worker-pool and backoff machinery a
// message-broker-backed one would use elsewhere in the stack.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	"github.com/fortdesk/knoxcore/pkg/queue"
)

const (
	QueueTranscribe  queue.QueueName = "transcribe"
	QueueKnoxCompile queue.QueueName = "knox_compile"

	// Deadline is the hard per-job timeout: a job that has not reached a
	// terminal state within this window is failed by the reaper, never
	// retried in-core.
	Deadline = 180 * time.Second
)

func kindForQueue(q queue.QueueName) (canonical.JobKind, error) {
	switch q {
	case QueueTranscribe:
		return canonical.JobTranscribe, nil
	case QueueKnoxCompile:
		return canonical.JobKnoxCompile, nil
	default:
		return "", fmt.Errorf("jobs: unknown queue %q", q)
	}
}

// StoreQueue adapts the Entity Store's jobs table to queue.Queue. It is the
// only kind of queue.Queue this core uses — there is no broker — but
// everything downstream (Runner, RetryPolicy, worker pool) is the teacher's
// unmodified pkg/queue code operating against it.
type StoreQueue struct {
	store *store.Store
}

func NewStoreQueue(s *store.Store) *StoreQueue {
	return &StoreQueue{store: s}
}

// Enqueue creates a queued Job row. env.ID becomes the job id (generated if
// unset); env.Tenant is the project id; env.DedupKey, if set, is used as the
// input_ref so callers can enqueue by fingerprint/document id.
func (sq *StoreQueue) Enqueue(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	kind, err := kindForQueue(q)
	if err != nil {
		return err
	}
	env, err = queue.NormalizeEnvelope(env)
	if err != nil {
		return err
	}
	id := string(env.ID)
	if id == "" {
		id = uuid.NewString()
	}
	inputRef := env.DedupKey
	if inputRef == "" {
		inputRef = string(env.Payload)
	}
	_, err = sq.store.CreateJob(ctx, canonical.Job{
		ID:        canonical.EntityID(id),
		ProjectID: canonical.ProjectID(env.Tenant),
		Kind:      kind,
		Status:    canonical.JobQueued,
		InputRef:  inputRef,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

func (sq *StoreQueue) EnqueueBatch(ctx context.Context, q queue.QueueName, envs []queue.Envelope) error {
	if len(envs) > queue.MaxBatchSize {
		return fmt.Errorf("%w: batch exceeds %d", queue.ErrInvalid, queue.MaxBatchSize)
	}
	for _, env := range envs {
		if err := sq.Enqueue(ctx, q, env); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue polls ClaimNextQueued until pollTimeout elapses. visibilityTimeout
// is accepted for interface compatibility but unused: a claimed job moves
// straight to running and is finished (succeeded/failed) by the handler,
// never re-leased, so there is no visibility window to manage.
func (sq *StoreQueue) Dequeue(ctx context.Context, q queue.QueueName, pollTimeout, visibilityTimeout time.Duration) (queue.DequeueResult, error) {
	kind, err := kindForQueue(q)
	if err != nil {
		return queue.DequeueResult{}, err
	}
	deadline := time.Now().Add(pollTimeout)
	for {
		job, err := sq.store.ClaimNextQueued(ctx, kind)
		if err == nil {
			return queue.DequeueResult{
				Env: queue.Envelope{
					Queue:      q,
					ID:         queue.EnvelopeID(job.ID),
					Type:       string(job.Kind),
					Tenant:     string(job.ProjectID),
					ProducedAt: job.CreatedAt,
					DedupKey:   job.InputRef,
					Payload:    []byte(job.InputRef),
				},
				Receipt: string(job.ID),
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return queue.DequeueResult{}, err
		}
		if time.Now().After(deadline) {
			return queue.DequeueResult{}, queue.ErrEmpty
		}
		select {
		case <-ctx.Done():
			return queue.DequeueResult{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Ack is a no-op: by the time the Runner calls Ack the handler has already
// called FinishJob(JobSucceeded, ...) directly against the Store, since a
// result_ref must be recorded atomically with the terminal transition.
func (sq *StoreQueue) Ack(ctx context.Context, q queue.QueueName, receipt string) error {
	return nil
}

// Nack fails the job immediately — the core takes single-attempt semantics,
// never an in-core retry, so any handler error is terminal.
func (sq *StoreQueue) Nack(ctx context.Context, q queue.QueueName, receipt string, delay time.Duration) error {
	return sq.store.FinishJob(ctx, canonical.EntityID(receipt), canonical.JobFailed, "", "E_HANDLER_ERROR", "job handler returned an error", time.Now().UTC())
}

// NackWithDeadLetter is equivalent to Nack here: there is no separate DLQ
// store, "dead-lettered" simply means the jobs row itself records why it
// failed, queryable by status=failed.
func (sq *StoreQueue) NackWithDeadLetter(ctx context.Context, q queue.QueueName, receipt string, delay time.Duration, reason string) error {
	return sq.store.FinishJob(ctx, canonical.EntityID(receipt), canonical.JobFailed, "", "E_HANDLER_ERROR", reason, time.Now().UTC())
}

func (sq *StoreQueue) ExtendVisibility(ctx context.Context, q queue.QueueName, receipt string, visibilityTimeout time.Duration) error {
	return nil
}

// SingleAttemptRetryPolicy always routes a handler failure straight to
// NackWithDeadLetter, implementing "single attempt, no in-core retries": the
// Runner's retry machinery is reused but configured to never actually retry.
type SingleAttemptRetryPolicy struct{}

func (SingleAttemptRetryPolicy) Decide(env queue.Envelope, handlerErr error) queue.RetryDecision {
	return queue.RetryDecision{ToDLQ: true, Reason: handlerErr.Error()}
}
