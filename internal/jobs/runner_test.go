package jobs

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	"github.com/fortdesk/knoxcore/pkg/queue"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "knox.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPool_RunProcessesJobsAndShutsDownCleanly exercises one full
// enqueue -> claim -> handler -> FinishJob(JobSucceeded) cycle through the
// real StoreQueue, then cancels the pool's context and asserts every
// worker goroutine the Runner spawned actually exits — the Job Runner is
// the one component in this core with its own goroutines outliving a
// single call, so it is the one place a leak would otherwise go unnoticed.
func TestPool_RunProcessesJobsAndShutsDownCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestStore(t)
	sq := NewStoreQueue(s)
	ctx := context.Background()

	const jobID = "job-1"
	require.NoError(t, sq.Enqueue(ctx, QueueTranscribe, queue.Envelope{
		ID:      queue.EnvelopeID(jobID),
		Tenant:  "proj-1",
		Payload: []byte("doc-1"),
	}))

	var handled int32
	handlerDone := make(chan struct{}, 1)
	pool := NewPool(sq)
	runCtx, cancel := context.WithCancel(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Run(runCtx, map[queue.QueueName]KindConfig{
			QueueTranscribe: {
				Concurrency: 1,
				Handler: func(hctx context.Context, msg queue.DequeueResult) error {
					atomic.AddInt32(&handled, 1)
					err := s.FinishJob(hctx, canonical.EntityID(msg.Receipt), canonical.JobSucceeded, "doc-1", "", "", time.Now().UTC())
					select {
					case handlerDone <- struct{}{}:
					default:
					}
					return err
				},
			},
		})
	}()

	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pool.Run did not return after context cancel")
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&handled))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, canonical.JobSucceeded, job.Status)
	require.Equal(t, "doc-1", job.ResultRef)
}

// TestPool_RunShutsDownOnUnknownQueue confirms a misconfigured queue name
// never crashes the pool — StoreQueue.Dequeue's kindForQueue error is an
// ordinary dequeue error with MaxConsecutiveErrors left at its zero value,
// so the worker just keeps polling until the context is canceled, at which
// point Run returns the context's own error.
func TestPool_RunShutsDownOnUnknownQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestStore(t)
	sq := NewStoreQueue(s)
	pool := NewPool(sq)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := pool.Run(ctx, map[queue.QueueName]KindConfig{
		"bogus": {
			Concurrency: 1,
			Handler: func(ctx context.Context, msg queue.DequeueResult) error {
				return nil
			},
		},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
