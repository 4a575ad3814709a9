// Package ordertest provides an in-memory order.Store for tests.
package ordertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fintlabs/payment-reconciler/internal/order"
)

// Store keeps orders in memory and records every mutation so tests can
// assert on exactly what was written.
type Store struct {
	mu      sync.Mutex
	orders  map[string]*order.Order
	Refunds []*order.Refund
	Trashed []string

	// Deleted collects remote ids passed to DeleteRefund.
	Deleted []string

	// Err, when set, is returned by every method.
	Err error
}

func NewStore(orders ...*order.Order) *Store {
	s := &Store{orders: map[string]*order.Order{}}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *Store) Add(o *order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *Store) OrderFromOrderID(ctx context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (s *Store) OrderFromIntentID(ctx context.Context, intentID string) (*order.Order, error) {
	return s.findByMeta(order.MetaTransactionID, intentID)
}

func (s *Store) OrderFromChargeID(ctx context.Context, chargeID string) (*order.Order, error) {
	return s.findByMeta(order.MetaChargeID, chargeID)
}

func (s *Store) findByMeta(key, value string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if value == "" {
		return nil, order.ErrNotFound
	}
	for _, o := range s.orders {
		if o.Meta(key) == value {
			return o, nil
		}
	}
	return nil, order.ErrNotFound
}

func (s *Store) UpdateStatus(ctx context.Context, orderID string, status order.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	return nil
}

func (s *Store) SetMeta(ctx context.Context, orderID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	if o.Metadata == nil {
		o.Metadata = map[string]string{}
	}
	o.Metadata[key] = value
	return nil
}

func (s *Store) AddNote(ctx context.Context, orderID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	o.Notes = append(o.Notes, order.Note{Content: content})
	return nil
}

func (s *Store) HasNote(ctx context.Context, orderID, contains string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return false, order.ErrNotFound
	}
	for _, n := range o.Notes {
		if strings.Contains(n.Content, contains) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Trash(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.orders[orderID]; !ok {
		return order.ErrNotFound
	}
	s.Trashed = append(s.Trashed, orderID)
	return nil
}

func (s *Store) CreateRefund(ctx context.Context, r *order.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("ref_%d", len(s.Refunds)+1)
	}
	s.Refunds = append(s.Refunds, r)
	return nil
}

func (s *Store) DeleteRefund(ctx context.Context, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Deleted = append(s.Deleted, remoteID)
	kept := s.Refunds[:0]
	for _, r := range s.Refunds {
		if r.RemoteID != remoteID {
			kept = append(kept, r)
		}
	}
	s.Refunds = kept
	return nil
}

// NoteContents returns the note contents recorded for an order.
func (s *Store) NoteContents(orderID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	var out []string
	for _, n := range o.Notes {
		out = append(out, n.Content)
	}
	return out
}
