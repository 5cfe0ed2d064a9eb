package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `{"PrimaryEntityId":"3f2504e0-4f89-11d3-9a0c-0305e82c3301","CorrelationId":"ctx-corr","OrganizationId":"ctx-org"}`

func sampleEntry() *models.Entry {
	return &models.Entry{
		ID:                "e-1",
		RecordID:          "3f2504e0-4f89-11d3-9a0c-0305e82c3301",
		EntityName:        "account",
		Name:              "Acme - Update",
		SerializedContext: sampleBody,
		Status:            models.StatusCreated,
	}
}

func TestPublishSendsAndMarksSent(t *testing.T) {
	var sent broker.OutgoingMessage
	var patched models.Patch
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		sent = msg
		return "m-1", nil
	}}
	store := &mockStore{updateFn: func(ctx context.Context, id string, p models.Patch) error {
		assert.Equal(t, "e-1", id)
		patched = p
		return nil
	}}
	brokers := &mockBrokers{sender: sender}

	p := service.NewPublisher(store, brokers, testSettings(), testCredentials(), newTestLogger())
	err := p.Publish(context.Background(), service.PublishTrigger{
		PrimaryEntityName: models.EntityName,
		CorrelationID:     "corr-1",
		OrganizationID:    "org-1",
		Target:            sampleEntry(),
	})

	require.NoError(t, err)
	assert.Equal(t, []broker.Endpoint{{Namespace: "bus.example.com", Queue: "outbox"}}, brokers.opened)
	assert.Equal(t, sampleBody, string(sent.Body))
	assert.Equal(t, "application/json", sent.ContentType)
	assert.Equal(t, "corr-1", sent.CorrelationID)
	assert.Equal(t, map[string]any{
		broker.PropEntityName:     "account",
		broker.PropMessageName:    service.OutboxMessageName,
		broker.PropOrganizationID: "org-1",
	}, sent.ApplicationProperties)

	require.NotNil(t, patched.Status)
	assert.Equal(t, models.StatusSent, *patched.Status)
	assert.Equal(t, "m-1", *patched.MessageID)
	assert.NotNil(t, patched.SentOn)
	assert.Nil(t, patched.ProcessedOn)
	assert.Equal(t, 1, sender.closed)
}

func TestPublishUsesContextIdsWhenTriggerHasNone(t *testing.T) {
	var sent broker.OutgoingMessage
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		sent = msg
		return "m-1", nil
	}}

	p := service.NewPublisher(&mockStore{}, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	require.NoError(t, p.Publish(context.Background(), service.PublishTrigger{Target: sampleEntry()}))

	assert.Equal(t, "ctx-corr", sent.CorrelationID)
	assert.Equal(t, "ctx-org", sent.ApplicationProperties[broker.PropOrganizationID])
}

func TestPublishRefetchesMissingBody(t *testing.T) {
	var requested []models.Column
	store := &mockStore{retrieveFn: func(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error) {
		assert.Equal(t, "e-1", id)
		requested = cols
		return sampleEntry(), nil
	}}
	var body string
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		body = string(msg.Body)
		return "m-1", nil
	}}

	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	err := p.Publish(context.Background(), service.PublishTrigger{Target: &models.Entry{ID: "e-1"}})

	require.NoError(t, err)
	assert.Equal(t, models.PublishColumns, requested)
	assert.Equal(t, sampleBody, body)
}

func TestPublishRefusesEmptyBody(t *testing.T) {
	store := &mockStore{retrieveFn: func(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error) {
		return &models.Entry{ID: id}, nil
	}}
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		t.Fatal("empty entry must not be sent")
		return "", nil
	}}

	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	err := p.Publish(context.Background(), service.PublishTrigger{Target: &models.Entry{ID: "e-1"}})
	require.ErrorIs(t, err, service.ErrValidation)
}

func TestPublishFromPostImage(t *testing.T) {
	sender := &mockSender{}
	p := service.NewPublisher(&mockStore{}, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())

	require.NoError(t, p.Publish(context.Background(), service.PublishTrigger{PostImage: sampleEntry()}))
	assert.Equal(t, 1, sender.closed)
}

func TestPublishIgnoresOtherTriggers(t *testing.T) {
	brokers := &mockBrokers{sender: &mockSender{}}
	p := service.NewPublisher(&mockStore{}, brokers, testSettings(), testCredentials(), newTestLogger())

	require.NoError(t, p.Publish(context.Background(), service.PublishTrigger{PrimaryEntityName: "account", Target: sampleEntry()}))
	require.NoError(t, p.Publish(context.Background(), service.PublishTrigger{}))
	assert.Empty(t, brokers.opened)
}

func TestPublishSwallowsBookkeepingFailure(t *testing.T) {
	store := &mockStore{updateFn: func(ctx context.Context, id string, p models.Patch) error {
		return errors.New("store timeout")
	}}
	sender := &mockSender{}

	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	err := p.Publish(context.Background(), service.PublishTrigger{Target: sampleEntry()})

	require.NoError(t, err)
	assert.Equal(t, 1, sender.closed)
}

func TestPublishSendFailureIsTransportError(t *testing.T) {
	updated := false
	store := &mockStore{updateFn: func(ctx context.Context, id string, p models.Patch) error {
		updated = true
		return nil
	}}
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		return "", errors.New("connection reset")
	}}

	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	err := p.Publish(context.Background(), service.PublishTrigger{Target: sampleEntry()})

	require.ErrorIs(t, err, service.ErrTransport)
	assert.True(t, service.IsFatal(err))
	assert.False(t, updated)
	assert.Equal(t, 1, sender.closed)
}

func TestPublishConfigurationErrors(t *testing.T) {
	brokers := &mockBrokers{sender: &mockSender{}}

	p := service.NewPublisher(&mockStore{}, brokers, config.MapProvider{config.BrokerNamespaceKey: "bus.example.com"}, testCredentials(), newTestLogger())
	err := p.Publish(context.Background(), service.PublishTrigger{Target: sampleEntry()})
	require.ErrorIs(t, err, service.ErrConfiguration)

	p = service.NewPublisher(&mockStore{}, brokers, testSettings(), config.EnvCredentialSource{Provider: config.MapProvider{}}, newTestLogger())
	err = p.Publish(context.Background(), service.PublishTrigger{Target: sampleEntry()})
	require.ErrorIs(t, err, service.ErrConfiguration)

	assert.Empty(t, brokers.opened)
}

func TestPublishOpenFailureIsTransportError(t *testing.T) {
	p := service.NewPublisher(&mockStore{}, &mockBrokers{openErr: errors.New("dial tcp: refused")}, testSettings(), testCredentials(), newTestLogger())

	err := p.Publish(context.Background(), service.PublishTrigger{Target: sampleEntry()})
	require.ErrorIs(t, err, service.ErrTransport)
}

func TestPublishTwiceKeepsLastMessage(t *testing.T) {
	store := newMemStore()
	id, err := store.CreateEntry(context.Background(), sampleEntry())
	require.NoError(t, err)

	n := 0
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		n++
		return fmt.Sprintf("m-%d", n), nil
	}}
	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())

	require.NoError(t, p.Publish(context.Background(), service.PublishTrigger{Target: &models.Entry{ID: id}}))
	first := store.get(id)
	require.NoError(t, p.Publish(context.Background(), service.PublishTrigger{Target: &models.Entry{ID: id}}))

	e := store.get(id)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.StatusSent, e.Status)
	assert.Equal(t, "m-2", e.MessageID)
	assert.False(t, e.SentOn.Before(*first.SentOn))
}

func TestResendRejectsOversizedRequest(t *testing.T) {
	ids := make([]string, service.MaxResendBatch+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("e-%d", i)
	}
	brokers := &mockBrokers{sender: &mockSender{}}

	p := service.NewPublisher(&mockStore{}, brokers, testSettings(), testCredentials(), newTestLogger())
	_, err := p.Resend(context.Background(), ids)

	require.ErrorIs(t, err, service.ErrValidation)
	assert.Empty(t, brokers.opened)
}

func TestResendReportsPerEntry(t *testing.T) {
	store := &mockStore{retrieveFn: func(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error) {
		if id == "missing" {
			return nil, errors.New("not found")
		}
		e := sampleEntry()
		e.ID = id
		return e, nil
	}}
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		return "m-1", nil
	}}
	brokers := &mockBrokers{sender: sender}

	p := service.NewPublisher(store, brokers, testSettings(), testCredentials(), newTestLogger())
	results, err := p.Resend(context.Background(), []string{"e-1", "missing", "e-1", " "})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, service.ResendResult{ID: "e-1", MessageID: "m-1"}, results[0])
	assert.Equal(t, "missing", results[1].ID)
	assert.Error(t, results[1].Err)
	assert.Len(t, brokers.opened, 1, "one sender serves the whole call")
	assert.Equal(t, 1, sender.closed)
}

func TestPublishPending(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 3; i++ {
		_, err := store.CreateEntry(context.Background(), sampleEntry2(i))
		require.NoError(t, err)
	}
	sender := &mockSender{}

	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	res, err := p.PublishPending(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, service.PendingResult{Found: 3, Sent: 3}, res)

	left, err := store.Query(context.Background(), models.Filter{Status: models.StatusCreated})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPublishPendingStopsOnSendFailure(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 3; i++ {
		_, err := store.CreateEntry(context.Background(), sampleEntry2(i))
		require.NoError(t, err)
	}
	sender := &mockSender{sendFn: func(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
		return "", errors.New("broker down")
	}}

	p := service.NewPublisher(store, &mockBrokers{sender: sender}, testSettings(), testCredentials(), newTestLogger())
	res, err := p.PublishPending(context.Background(), 10)

	require.ErrorIs(t, err, service.ErrTransport)
	assert.Equal(t, service.PendingResult{Found: 3, Failed: 1}, res)
}

func sampleEntry2(i int) *models.Entry {
	e := sampleEntry()
	e.ID = fmt.Sprintf("e-%d", i)
	return e
}
