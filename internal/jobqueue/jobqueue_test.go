package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"

	"hashview/internal/domain"
	"hashview/internal/push"
)

type stubDeliverer struct {
	err  error
	sent []push.Notification
}

func (s *stubDeliverer) Deliver(_ context.Context, n push.Notification) error {
	s.sent = append(s.sent, n)
	return s.err
}

func newJob(n push.Notification) *river.Job[PushJobArgs] {
	return &river.Job[PushJobArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: 1},
		Args:   PushJobArgs{Notification: n},
	}
}

func TestPushJobArgs(t *testing.T) {
	args := PushJobArgs{}
	assert.Equal(t, "push_notification", args.Kind())
	opts := args.InsertOpts()
	assert.Equal(t, QueuePush, opts.Queue)
	assert.Equal(t, maxAttempts, opts.MaxAttempts)
}

func TestPushWorker(t *testing.T) {
	n := push.Notification{RecipientID: 3, Title: "A", Body: "b", ConversationID: 1, MessageID: 2}

	t.Run("delivers", func(t *testing.T) {
		d := &stubDeliverer{}
		err := NewPushWorker(d, slogt.New(t)).Work(context.Background(), newJob(n))
		assert.NoError(t, err)
		assert.Equal(t, []push.Notification{n}, d.sent)
	})

	t.Run("no endpoints completes", func(t *testing.T) {
		d := &stubDeliverer{err: domain.ErrNoPushEndpoints}
		assert.NoError(t, NewPushWorker(d, slogt.New(t)).Work(context.Background(), newJob(n)))
	})

	t.Run("transient error is retried", func(t *testing.T) {
		d := &stubDeliverer{err: domain.ErrTransient}
		err := NewPushWorker(d, slogt.New(t)).Work(context.Background(), newJob(n))
		assert.ErrorIs(t, err, domain.ErrTransient)
	})

	t.Run("other errors cancel the job", func(t *testing.T) {
		boom := errors.New("boom")
		d := &stubDeliverer{err: boom}
		err := NewPushWorker(d, slogt.New(t)).Work(context.Background(), newJob(n))
		assert.ErrorIs(t, err, boom)
		assert.False(t, errors.Is(err, domain.ErrTransient))
	})
}
