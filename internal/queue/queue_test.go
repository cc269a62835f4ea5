package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func descriptor() models.JobDescriptor {
	return models.JobDescriptor{
		JobID:        uuid.New(),
		SystemPrompt: "sys",
		UserPrompts:  []string{"Summarize: {input}"},
		Settings:     models.Settings{Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 100},
		DataItems:    []string{"a", "b"},
		BatchSize:    2,
		CallbackURL:  "http://api.local/api/v1/jobs/x/callback",
	}
}

func encode(t *testing.T, d models.JobDescriptor) []byte {
	t.Helper()
	body, err := json.Marshal(d)
	require.NoError(t, err)
	return body
}

// --- Decode ---

func TestDecode(t *testing.T) {
	d := descriptor()
	got, err := Decode(encode(t, d))
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDecode_DefaultsBatchSize(t *testing.T) {
	d := descriptor()
	d.BatchSize = 0
	got, err := Decode(encode(t, d))
	require.NoError(t, err)
	assert.Equal(t, 1, got.BatchSize)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.JobDescriptor)
	}{
		{"missing job id", func(d *models.JobDescriptor) { d.JobID = uuid.Nil }},
		{"missing callback", func(d *models.JobDescriptor) { d.CallbackURL = "" }},
		{"no prompts", func(d *models.JobDescriptor) { d.UserPrompts = nil }},
		{"no items", func(d *models.JobDescriptor) { d.DataItems = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := descriptor()
			tt.mutate(&d)
			_, err := Decode(encode(t, d))
			assert.ErrorIs(t, err, ErrBadMessage)
		})
	}
}

func TestDecode_NotJSON(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.ErrorIs(t, err, ErrBadMessage)
}

// --- handleDelivery ---

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAck) Ack(bool) error { a.acked = true; return nil }
func (a *fakeAck) Nack(_, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func TestHandleDelivery_AcksOnSuccess(t *testing.T) {
	d := descriptor()
	ack := &fakeAck{}
	var got models.JobDescriptor

	handleDelivery(context.Background(), 0, encode(t, d), ack, func(_ context.Context, in models.JobDescriptor) error {
		got = in
		return nil
	})

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, d.JobID, got.JobID)
}

func TestHandleDelivery_DeadLettersHandlerError(t *testing.T) {
	ack := &fakeAck{}
	handleDelivery(context.Background(), 0, encode(t, descriptor()), ack, func(context.Context, models.JobDescriptor) error {
		return errors.New("callback unreachable")
	})
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	assert.False(t, ack.acked)
}

func TestHandleDelivery_DeadLettersBadMessage(t *testing.T) {
	ack := &fakeAck{}
	called := false
	handleDelivery(context.Background(), 0, []byte("not json"), ack, func(context.Context, models.JobDescriptor) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestHandleDelivery_RecoversPanic(t *testing.T) {
	ack := &fakeAck{}
	handleDelivery(context.Background(), 0, encode(t, descriptor()), ack, func(context.Context, models.JobDescriptor) error {
		panic("boom")
	})
	assert.True(t, ack.nacked)
}

// --- integration ---

func setupRabbit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestQueue_PublishAndConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRabbit(t)

	pub, err := Dial(url, "jobs_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	require.NoError(t, pub.Ping(context.Background()))

	sent := []models.JobDescriptor{descriptor(), descriptor(), descriptor()}
	for _, d := range sent {
		require.NoError(t, pub.Publish(context.Background(), d))
	}

	sub, err := Dial(url, "jobs_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[uuid.UUID]bool{}
	done := make(chan error, 1)
	go func() {
		done <- sub.Consume(ctx, 2, func(_ context.Context, d models.JobDescriptor) error {
			mu.Lock()
			defer mu.Unlock()
			seen[d.JobID] = true
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(sent)
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, d := range sent {
		assert.True(t, seen[d.JobID])
	}
}

func TestQueue_FailedMessageIsDeadLettered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRabbit(t)

	q, err := Dial(url, "jobs_dlq_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	d := descriptor()
	require.NoError(t, q.Publish(context.Background(), d))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handled := make(chan struct{}, 1)
	go func() {
		_ = q.Consume(ctx, 1, func(context.Context, models.JobDescriptor) error {
			handled <- struct{}{}
			return errors.New("cannot process")
		})
	}()

	select {
	case <-handled:
	case <-time.After(10 * time.Second):
		t.Fatal("message was not delivered")
	}

	inspect, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inspect.Close() })
	ch, err := inspect.Channel()
	require.NoError(t, err)

	var msg amqp.Delivery
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok, err = ch.Get(DeadLetterName("jobs_dlq_test"), true)
		return err == nil && ok
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, d.JobID.String(), msg.MessageId)
}

func TestHandleDelivery_RequeuesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ack := &fakeAck{}
	handleDelivery(ctx, 0, encode(t, descriptor()), ack, func(context.Context, models.JobDescriptor) error {
		cancel()
		return context.Canceled
	})
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}
