package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/queue"
	queuemocks "github.com/rajivgeraev/flippy-chat/internal/queue/mocks"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
	"github.com/rajivgeraev/flippy-chat/internal/realtime/mocks"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRetryingPublisherPublishesDirectly(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockEnvelopePublisher(ctrl)
	q := queuemocks.NewMockClient(ctrl)

	next.EXPECT().PublishEnvelope(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env realtime.Envelope) error {
			assert.Equal(t, "chat:1", env.Channel)
			assert.Equal(t, realtime.EventMessage, env.Name)
			return nil
		})

	p := realtime.NewRetryingPublisher(next, q, "realtime", 5, discard)
	require.NoError(t, p.Publish(context.Background(), "chat:1", realtime.EventMessage, "x"))
}

func TestRetryingPublisherEnqueuesOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockEnvelopePublisher(ctrl)
	q := queuemocks.NewMockClient(ctrl)

	var published realtime.Envelope
	next.EXPECT().PublishEnvelope(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env realtime.Envelope) error {
			published = env
			return errors.New("redis down")
		})
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, task queue.Task, opts ...queue.EnqueueOption) (string, error) {
			assert.Equal(t, realtime.PublishTaskType, task.Type)
			require.Len(t, opts, 1)
			assert.Equal(t, "realtime", opts[0].Queue)
			assert.Equal(t, 5, opts[0].MaxRetry)

			var env realtime.Envelope
			require.NoError(t, json.Unmarshal(task.Payload, &env))
			assert.Equal(t, published.ID, env.ID)
			return "task-1", nil
		})

	p := realtime.NewRetryingPublisher(next, q, "realtime", 5, discard)
	assert.NoError(t, p.Publish(context.Background(), "chat:1", realtime.EventMessage, "x"))
}

func TestRetryingPublisherFailsWhenQueueFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockEnvelopePublisher(ctrl)
	q := queuemocks.NewMockClient(ctrl)

	next.EXPECT().PublishEnvelope(gomock.Any(), gomock.Any()).Return(errors.New("redis down"))
	q.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("queue down"))

	p := realtime.NewRetryingPublisher(next, q, "realtime", 5, discard)
	err := p.Publish(context.Background(), "chat:1", realtime.EventMessage, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestPublishTaskHandlerRepublishesEnvelope(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockEnvelopePublisher(ctrl)

	env, err := realtime.NewEnvelope("chat:1", realtime.EventRead, map[string]string{"reader_id": "u"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	next.EXPECT().PublishEnvelope(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, got realtime.Envelope) error {
			assert.Equal(t, env.ID, got.ID)
			assert.JSONEq(t, string(env.Data), string(got.Data))
			return nil
		})

	handler := realtime.PublishTaskHandler(next)
	require.NoError(t, handler(context.Background(), queue.Task{Type: realtime.PublishTaskType, Payload: raw}))
	assert.Error(t, handler(context.Background(), queue.Task{Type: realtime.PublishTaskType, Payload: []byte("{")}))
}
