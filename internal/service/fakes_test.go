package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/db"
	"github.com/Guizzs26/go-outbox-relay/internal/models"

	"github.com/google/uuid"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSettings() config.MapProvider {
	return config.MapProvider{
		config.BrokerNamespaceKey: "bus.example.com",
		config.BrokerQueueKey:     "outbox",
	}
}

func testCredentials() config.EnvCredentialSource {
	return config.EnvCredentialSource{Provider: config.MapProvider{config.BrokerTokenKey: "token-abc"}}
}

type mockStore struct {
	retrieveFn func(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error)
	updateFn   func(ctx context.Context, id string, patch models.Patch) error
	queryFn    func(ctx context.Context, f models.Filter) ([]models.Entry, error)
}

func (m *mockStore) Retrieve(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error) {
	if m.retrieveFn != nil {
		return m.retrieveFn(ctx, id, cols...)
	}
	return nil, db.ErrEntryNotFound
}

func (m *mockStore) Update(ctx context.Context, id string, patch models.Patch) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, patch)
	}
	return nil
}

func (m *mockStore) Query(ctx context.Context, f models.Filter) ([]models.Entry, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, f)
	}
	return nil, nil
}

// memStore is an in-memory outbox honoring the forward-only status rule
type memStore struct {
	mu      sync.Mutex
	entries map[string]*models.Entry
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]*models.Entry{}}
}

func (s *memStore) CreateEntry(_ context.Context, e *models.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = models.StatusCreated
	e.CreatedOn = time.Now().UTC()
	cp := *e
	s.entries[e.ID] = &cp
	return e.ID, nil
}

func (s *memStore) Retrieve(_ context.Context, id string, _ ...models.Column) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("outbox id %s: %w", id, db.ErrEntryNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, id string, p models.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("outbox id %s: %w", id, db.ErrEntryNotFound)
	}
	if p.Status != nil {
		if !e.Status.CanAdvanceTo(*p.Status) {
			return fmt.Errorf("outbox id %s: %w", id, db.ErrStatusRegression)
		}
		e.Status = *p.Status
	}
	if p.MessageID != nil {
		e.MessageID = *p.MessageID
	}
	if p.SentOn != nil {
		at := *p.SentOn
		e.SentOn = &at
	}
	if p.ProcessedOn != nil {
		at := *p.ProcessedOn
		e.ProcessedOn = &at
	}
	return nil
}

func (s *memStore) Query(_ context.Context, f models.Filter) ([]models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Entry
	for _, e := range s.entries {
		if f.RecordID != "" && e.RecordID != f.RecordID {
			continue
		}
		if f.Status != 0 && e.Status != f.Status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (s *memStore) get(id string) models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

type mockTx struct {
	createFn func(ctx context.Context, e *models.Entry) (string, error)
}

func (m *mockTx) CreateEntry(ctx context.Context, e *models.Entry) (string, error) {
	if m.createFn != nil {
		return m.createFn(ctx, e)
	}
	return "entry-1", nil
}

type mockSender struct {
	sendFn func(ctx context.Context, msg broker.OutgoingMessage) (string, error)
	closed int
}

func (m *mockSender) Send(ctx context.Context, msg broker.OutgoingMessage) (string, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return uuid.NewString(), nil
}

func (m *mockSender) Close() error {
	m.closed++
	return nil
}

type mockReceiver struct {
	receiveFn    func(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error)
	completeFn   func(ctx context.Context, m *broker.Message) error
	abandonFn    func(ctx context.Context, m *broker.Message) error
	deadLetterFn func(ctx context.Context, m *broker.Message, reason, description string) error

	completed    []string
	abandoned    []string
	deadLettered []string
	closed       int
}

func (m *mockReceiver) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*broker.Message, error) {
	if m.receiveFn != nil {
		return m.receiveFn(ctx, maxCount, wait)
	}
	return nil, nil
}

func (m *mockReceiver) Complete(ctx context.Context, msg *broker.Message) error {
	if m.completeFn != nil {
		if err := m.completeFn(ctx, msg); err != nil {
			return err
		}
	}
	m.completed = append(m.completed, msg.MessageID)
	return nil
}

func (m *mockReceiver) Abandon(ctx context.Context, msg *broker.Message) error {
	if m.abandonFn != nil {
		if err := m.abandonFn(ctx, msg); err != nil {
			return err
		}
	}
	m.abandoned = append(m.abandoned, msg.MessageID)
	return nil
}

func (m *mockReceiver) DeadLetter(ctx context.Context, msg *broker.Message, reason, description string) error {
	if m.deadLetterFn != nil {
		if err := m.deadLetterFn(ctx, msg, reason, description); err != nil {
			return err
		}
	}
	m.deadLettered = append(m.deadLettered, msg.MessageID)
	return nil
}

func (m *mockReceiver) Close() error {
	m.closed++
	return nil
}

// mockBrokers hands out the configured sender and receiver and records the endpoint
type mockBrokers struct {
	sender   *mockSender
	receiver *mockReceiver
	openErr  error
	opened   []broker.Endpoint
}

func (m *mockBrokers) OpenSender(ctx context.Context, e broker.Endpoint, cred broker.TokenCredential) (broker.MessageSender, error) {
	m.opened = append(m.opened, e)
	if m.openErr != nil {
		return nil, m.openErr
	}
	if _, err := cred.GetToken(ctx); err != nil {
		return nil, err
	}
	return m.sender, nil
}

func (m *mockBrokers) OpenReceiver(ctx context.Context, e broker.Endpoint, cred broker.TokenCredential) (broker.MessageReceiver, error) {
	m.opened = append(m.opened, e)
	if m.openErr != nil {
		return nil, m.openErr
	}
	if _, err := cred.GetToken(ctx); err != nil {
		return nil, err
	}
	return m.receiver, nil
}
