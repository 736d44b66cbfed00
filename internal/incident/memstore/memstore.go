// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

// firstNumber matches the numbering of a fresh ServiceNow instance.
const firstNumber = 10001

// Store holds incidents in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*incident.Record // sys_id -> record
	byAlert map[string]string           // alert ID -> sys_id
	next    int
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*incident.Record),
		byAlert: make(map[string]string),
		next:    firstNumber,
	}
}

// Create stores a copy of rec after assigning its sys_id, number and timestamps.
// Returns incident.ErrAlreadyExists if the alert ID is taken.
func (s *Store) Create(_ context.Context, table string, rec *incident.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAlert[rec.AlertID]; ok {
		return "", incident.ErrAlreadyExists
	}

	now := time.Now().UTC()
	rec.SysID = strings.ReplaceAll(uuid.NewString(), "-", "")
	rec.Number = fmt.Sprintf("INC%07d", s.next)
	rec.Table = table
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.next++

	cp := *rec
	s.records[rec.SysID] = &cp
	s.byAlert[rec.AlertID] = rec.SysID
	return rec.Number, nil
}

// FindByAlertID returns a copy of the incident for alertID.
func (s *Store) FindByAlertID(_ context.Context, alertID string) (*incident.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	cp := *s.records[id]
	return &cp, true, nil
}

// Update replaces the stored incident with the same sys_id unless it is
// already resolved.
func (s *Store) Update(_ context.Context, rec *incident.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[rec.SysID]
	if !ok {
		return incident.ErrNotFound
	}
	if old.State == incident.StateResolved {
		return incident.ErrAlreadyResolved
	}
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	// the correlation key and number are fixed at create
	cp.AlertID = old.AlertID
	cp.Number = old.Number
	cp.CreatedAt = old.CreatedAt
	s.records[rec.SysID] = &cp
	return nil
}

// Len returns the number of stored incidents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
