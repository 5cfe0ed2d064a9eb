package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordR1 = "8c5e7a4e-2f0b-4d55-9a3e-1f0f4b6b9e21"

func messages(msgs ...*broker.Message) func(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error) {
	return func(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error) {
		return msgs, nil
	}
}

func message(id, body string) *broker.Message {
	return &broker.Message{MessageID: id, Body: []byte(body)}
}

func newConsumer(store service.OutboxStore, receiver *mockReceiver) *service.QueueConsumer {
	return service.NewQueueConsumer(store, &mockBrokers{receiver: receiver}, testSettings(), testCredentials(), 0, newTestLogger())
}

func TestConsumerMarksSentEntriesProcessed(t *testing.T) {
	store := newMemStore()
	id, err := store.CreateEntry(context.Background(), &models.Entry{RecordID: recordR1, SerializedContext: "{}"})
	require.NoError(t, err)
	require.NoError(t, store.Update(context.Background(), id, models.SentPatch("m-sent", time.Now())))

	receiver := &mockReceiver{receiveFn: messages(message("m-reply", `{"PrimaryEntityId":"`+recordR1+`","PrimaryEntityName":"account"}`))}

	res, err := newConsumer(store, receiver).ProcessMessages(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, service.BatchResult{Received: 1, Processed: 1}, res)
	assert.Equal(t, []string{"m-reply"}, receiver.completed)
	assert.Equal(t, 1, receiver.closed)

	e := store.get(id)
	assert.Equal(t, models.StatusProcessed, e.Status)
	assert.Equal(t, "m-reply", e.MessageID)
	require.NotNil(t, e.ProcessedOn)
	assert.False(t, e.ProcessedOn.Before(*e.SentOn))
}

func TestConsumerDefaults(t *testing.T) {
	var gotMax int
	var gotWait time.Duration
	receiver := &mockReceiver{receiveFn: func(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error) {
		gotMax, gotWait = maxCount, wait
		return nil, nil
	}}

	res, err := newConsumer(&mockStore{}, receiver).ProcessMessages(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, service.BatchResult{}, res)
	assert.Equal(t, 10, gotMax)
	assert.Equal(t, 10*time.Second, gotWait)
}

func TestConsumerDeadLettersInvalidMessages(t *testing.T) {
	var reasons, descriptions []string
	receiver := &mockReceiver{
		receiveFn: messages(
			message("m-1", `{"foo":"bar"}`),
			message("m-2", `not json`),
			message("m-3", `{"PrimaryEntityId":"R1"}`),
			message("m-4", `{"PrimaryEntityId":"00000000-0000-0000-0000-000000000000"}`),
		),
		deadLetterFn: func(ctx context.Context, m *broker.Message, reason, description string) error {
			reasons = append(reasons, reason)
			descriptions = append(descriptions, description)
			return nil
		},
	}
	store := &mockStore{queryFn: func(ctx context.Context, f models.Filter) ([]models.Entry, error) {
		t.Fatal("invalid messages must not reach the store")
		return nil, nil
	}}

	res, err := newConsumer(store, receiver).ProcessMessages(context.Background(), 5)

	require.NoError(t, err)
	assert.Equal(t, service.BatchResult{Received: 4, DeadLettered: 4, Errors: 4}, res)
	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4"}, receiver.deadLettered)
	assert.Empty(t, receiver.completed)
	assert.Empty(t, receiver.abandoned)
	for i := range reasons {
		assert.Equal(t, service.ReasonInvalidMessageFormat, reasons[i])
		assert.Equal(t, service.DescriptionInvalidMessageFormat, descriptions[i])
	}
}

func TestConsumerAbandonsOnStoreFailureAndContinues(t *testing.T) {
	calls := 0
	store := &mockStore{
		queryFn: func(ctx context.Context, f models.Filter) ([]models.Entry, error) {
			assert.Equal(t, models.StatusSent, f.Status)
			return []models.Entry{{ID: "e-" + f.RecordID[:1], RecordID: f.RecordID, Status: models.StatusSent}}, nil
		},
		updateFn: func(ctx context.Context, id string, p models.Patch) error {
			calls++
			if calls == 1 {
				return errors.New("store timeout")
			}
			return nil
		},
	}
	receiver := &mockReceiver{receiveFn: messages(
		message("m-1", `{"PrimaryEntityId":"`+recordR1+`"}`),
		message("m-2", `{"PrimaryEntityId":"`+recordR1+`"}`),
	)}

	res, err := newConsumer(store, receiver).ProcessMessages(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, service.BatchResult{Received: 2, Processed: 1, Abandoned: 1, Errors: 1}, res)
	assert.Equal(t, []string{"m-1"}, receiver.abandoned)
	assert.Equal(t, []string{"m-2"}, receiver.completed)
}

func TestConsumerSwallowsAbandonFailure(t *testing.T) {
	store := &mockStore{queryFn: func(ctx context.Context, f models.Filter) ([]models.Entry, error) {
		return nil, errors.New("query failed")
	}}
	receiver := &mockReceiver{
		receiveFn: messages(
			message("m-1", `{"PrimaryEntityId":"`+recordR1+`"}`),
			message("m-2", `{"foo":"bar"}`),
		),
		abandonFn: func(ctx context.Context, m *broker.Message) error {
			return errors.New("lock lost")
		},
	}

	res, err := newConsumer(store, receiver).ProcessMessages(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, service.BatchResult{Received: 2, DeadLettered: 1, Errors: 2}, res)
	assert.Equal(t, []string{"m-2"}, receiver.deadLettered)
}

func TestConsumerCompletesWithoutMatchingEntries(t *testing.T) {
	receiver := &mockReceiver{receiveFn: messages(message("m-1", `{"PrimaryEntityId":"`+recordR1+`"}`))}

	res, err := newConsumer(&mockStore{}, receiver).ProcessMessages(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"m-1"}, receiver.completed)
}

func TestConsumerMarksEverySentEntryOfTheRecord(t *testing.T) {
	store := newMemStore()
	var ids []string
	for i := 0; i < 2; i++ {
		id, err := store.CreateEntry(context.Background(), &models.Entry{RecordID: recordR1, SerializedContext: "{}"})
		require.NoError(t, err)
		require.NoError(t, store.Update(context.Background(), id, models.SentPatch("m-sent", time.Now())))
		ids = append(ids, id)
	}
	receiver := &mockReceiver{receiveFn: messages(message("m-1", `{"PrimaryEntityId":"`+recordR1+`"}`))}

	_, err := newConsumer(store, receiver).ProcessMessages(context.Background(), 1)

	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, models.StatusProcessed, store.get(id).Status)
	}
}

func TestConsumerAbandonsWhenDeadLetterFails(t *testing.T) {
	receiver := &mockReceiver{
		receiveFn: messages(message("m-1", `{"foo":"bar"}`)),
		deadLetterFn: func(ctx context.Context, m *broker.Message, reason, description string) error {
			return errors.New("dead-letter queue missing")
		},
	}

	res, err := newConsumer(&mockStore{}, receiver).ProcessMessages(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, service.BatchResult{Received: 1, Abandoned: 1, Errors: 1}, res)
	assert.Equal(t, []string{"m-1"}, receiver.abandoned)
}

func TestConsumerSetupFailures(t *testing.T) {
	_, err := service.NewQueueConsumer(&mockStore{}, &mockBrokers{openErr: errors.New("refused")}, testSettings(), testCredentials(), time.Second, newTestLogger()).
		ProcessMessages(context.Background(), 1)
	require.ErrorIs(t, err, service.ErrTransport)

	receiver := &mockReceiver{receiveFn: func(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error) {
		return nil, broker.ErrReceiverClosed
	}}
	_, err = newConsumer(&mockStore{}, receiver).ProcessMessages(context.Background(), 1)
	require.ErrorIs(t, err, service.ErrTransport)
	require.ErrorIs(t, err, broker.ErrReceiverClosed)
	assert.Equal(t, 1, receiver.closed)

	_, err = service.NewQueueConsumer(&mockStore{}, &mockBrokers{receiver: &mockReceiver{}}, nil, testCredentials(), time.Second, newTestLogger()).
		ProcessMessages(context.Background(), 1)
	require.ErrorIs(t, err, service.ErrConfiguration)
}

func TestParseMessageBody(t *testing.T) {
	h, err := service.ParseMessageBody([]byte(`{"PrimaryEntityId":"8C5E7A4E-2F0B-4D55-9A3E-1F0F4B6B9E21","MessageName":"Create"}`))
	require.NoError(t, err)
	assert.Equal(t, recordR1, h.PrimaryEntityID)
	assert.Equal(t, "Create", h.MessageName)

	// Windows-1252 bodies are accepted
	h, err = service.ParseMessageBody(append([]byte(`{"PrimaryEntityId":"`+recordR1+`","PrimaryEntityName":"caf`), 0xE9, '"', '}'))
	require.NoError(t, err)
	assert.Equal(t, "café", h.PrimaryEntityName)

	for _, body := range []string{``, `null`, `[]`, `{"PrimaryEntityId":""}`, `{"PrimaryEntityId":42}`} {
		_, err := service.ParseMessageBody([]byte(body))
		assert.ErrorIs(t, err, service.ErrValidation, body)
	}
}

func TestEndToEndRoundTrip(t *testing.T) {
	store := newMemStore()
	op := accountUpdate()

	id, err := service.NewProducer(newTestLogger()).Produce(context.Background(), store, op)
	require.NoError(t, err)

	// The sender hands the message straight to the receiver's queue
	var queue []*broker.Message
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		queue = append(queue, &broker.Message{MessageID: "m-out", Body: msg.Body, CorrelationID: msg.CorrelationID})
		return "m-out", nil
	}}
	pub := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	require.NoError(t, pub.Publish(context.Background(), service.PublishTrigger{Target: &models.Entry{ID: id}}))
	assert.Equal(t, models.StatusSent, store.get(id).Status)

	receiver := &mockReceiver{receiveFn: func(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error) {
		return queue, nil
	}}
	res, err := newConsumer(store, receiver).ProcessMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	e := store.get(id)
	assert.Equal(t, models.StatusProcessed, e.Status)
	assert.Equal(t, service.CanonicalRecordID(op.TargetID()), e.RecordID)
	assert.Equal(t, []string{"m-out"}, receiver.completed)
}
