// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/domain/regimen"
)

// RegimenStore keeps regimen event streams in memory
type RegimenStore struct {
	mu      sync.RWMutex
	streams map[string][]*regimen.Event
	logger  *zap.Logger
}

// NewRegimenStore creates an empty store
func NewRegimenStore(logger *zap.Logger) *RegimenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegimenStore{
		streams: make(map[string][]*regimen.Event),
		logger:  logger,
	}
}

// Save appends uncommitted events, rejecting stale writers
func (s *RegimenStore) Save(ctx context.Context, agg *regimen.Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[agg.ID()]
	if want := len(stream) + 1; changes[0].Version != want {
		return fmt.Errorf("%w: %s at version %d, stream is at %d",
			regimen.ErrConcurrentModification, agg.ID(), changes[0].Version, len(stream))
	}

	for _, e := range changes {
		stream = append(stream, copyEvent(e))
	}
	s.streams[agg.ID()] = stream

	s.logger.Debug("events saved",
		zap.String("regimen_id", agg.ID()),
		zap.Int("count", len(changes)),
		zap.Int("version", agg.Version()))
	agg.ClearChanges()
	return nil
}

// Load rebuilds an aggregate from its stream
func (s *RegimenStore) Load(ctx context.Context, id string) (*regimen.Aggregate, error) {
	events, err := s.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", regimen.ErrNotFound, id)
	}

	agg := regimen.NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, fmt.Errorf("rebuild regimen %s: %w", id, err)
	}
	return agg, nil
}

// GetEvents returns a copy of the stream for id
func (s *RegimenStore) GetEvents(ctx context.Context, id string) ([]*regimen.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[id]
	out := make([]*regimen.Event, len(stream))
	for i, e := range stream {
		out[i] = copyEvent(e)
	}
	return out, nil
}

// Len returns the number of regimens held
func (s *RegimenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

func copyEvent(e *regimen.Event) *regimen.Event {
	c := *e
	c.EventData = slices.Clone(e.EventData)
	return &c
}

var _ regimen.Store = (*RegimenStore)(nil)
