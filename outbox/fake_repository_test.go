//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryRepository struct {
	mu        sync.Mutex
	messages  []*Message
	consumers map[string]*Consumer
	nextID    int64
	appends   int
	appendErr error
	listErr   error
	lists     int
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{consumers: make(map[string]*Consumer)}
}

func (r *memoryRepository) AppendWithTx(_ context.Context, _ Tx, msg *Message) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.appends++

	if r.appendErr != nil {
		return nil, r.appendErr
	}

	r.nextID++
	stored := *msg
	stored.ID = r.nextID
	r.messages = append(r.messages, &stored)

	return &stored, nil
}

func (r *memoryRepository) seed(messageType string, version int, payload string) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	msg := &Message{ID: r.nextID, MessageType: messageType, VersionType: version, Payload: []byte(payload)}
	r.messages = append(r.messages, msg)

	return msg
}

func (r *memoryRepository) ListAfter(_ context.Context, afterID int64, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lists++

	if r.listErr != nil {
		return nil, r.listErr
	}

	var out []*Message

	for _, msg := range r.messages {
		if msg.ID > afterID && len(out) < limit {
			out = append(out, msg)
		}
	}

	return out, nil
}

func (r *memoryRepository) maxID() int64 {
	if len(r.messages) == 0 {
		return 0
	}

	return r.messages[len(r.messages)-1].ID
}

func (r *memoryRepository) CreateConsumer(_ context.Context, consumer *Consumer, startAtLatest bool) (*Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.consumers[consumer.Name]; ok {
		return nil, ErrConsumerConflict
	}

	stored := *consumer
	if startAtLatest {
		stored.LastConsumedMessageID = r.maxID()
	}

	r.consumers[consumer.Name] = &stored
	out := stored

	return &out, nil
}

func (r *memoryRepository) GetConsumerByName(_ context.Context, name string) (*Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	consumer, ok := r.consumers[name]
	if !ok {
		return nil, ErrConsumerNotFound
	}

	out := *consumer

	return &out, nil
}

func (r *memoryRepository) ConsumerExists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.consumers[name]

	return ok, nil
}

func (r *memoryRepository) AdvanceCursor(_ context.Context, name string, lastConsumedID int64, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	consumer, ok := r.consumers[name]
	if ok && lastConsumedID >= consumer.LastConsumedMessageID && lastConsumedID <= r.maxID() {
		consumer.LastConsumedMessageID = lastConsumedID
		consumer.UpdatedAt = updatedAt

		return nil
	}

	var current int64
	if ok {
		current = consumer.LastConsumedMessageID
	}

	if err := ClassifyCursorRejection(ok, current, r.maxID(), lastConsumedID); err != nil {
		return err
	}

	return errors.New("unreachable")
}

func (r *memoryRepository) cursor(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.consumers[name].LastConsumedMessageID
}

var _ Repository = (*memoryRepository)(nil)

type accountOpened struct {
	AccountID string `json:"accountId"`
	Owner     string `json:"owner"`
}

func (e accountOpened) OutboxKey() string { return e.AccountID }

type accountClosed struct {
	AccountID string `json:"accountId"`
}

type unregisteredEvent struct {
	Value int `json:"value"`
}

func newTestTypes(t interface{ Fatalf(string, ...any) }) *TypeRegistry {
	types := NewTypeRegistry()

	if err := RegisterType[accountOpened](types, "AccountOpened", 1); err != nil {
		t.Fatalf("register AccountOpened: %v", err)
	}

	if err := RegisterType[accountClosed](types, "AccountClosed", 1); err != nil {
		t.Fatalf("register AccountClosed: %v", err)
	}

	return types
}
