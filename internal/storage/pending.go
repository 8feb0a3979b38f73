package storage

import (
	"sort"
)

// PendingFile keeps in-flight payments in a single JSON document keyed by payment id
type PendingFile struct {
	doc *document[PendingPayment]
}

// NewPendingFile returns a pending payment store kept as a JSON document at path
func NewPendingFile(path string) *PendingFile {
	return &PendingFile{doc: newDocument[PendingPayment](path)}
}

// Put stores a pending payment, replacing any record with the same id
func (s *PendingFile) Put(p PendingPayment) error {
	return s.doc.update(func(records map[string]PendingPayment) error {
		records[p.PaymentID] = p
		return nil
	})
}

// Get returns a pending payment by gateway payment id
func (s *PendingFile) Get(paymentID string) (*PendingPayment, error) {
	var found *PendingPayment
	err := s.doc.view(func(records map[string]PendingPayment) error {
		p, ok := records[paymentID]
		if !ok {
			return ErrNotFound
		}
		found = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Delete removes a pending payment. Returns ErrNotFound if it was already gone.
func (s *PendingFile) Delete(paymentID string) error {
	return s.doc.update(func(records map[string]PendingPayment) error {
		if _, ok := records[paymentID]; !ok {
			return ErrNotFound
		}
		delete(records, paymentID)
		return nil
	})
}

// List returns all pending payments, oldest first
func (s *PendingFile) List() ([]PendingPayment, error) {
	var out []PendingPayment
	err := s.doc.view(func(records map[string]PendingPayment) error {
		out = make([]PendingPayment, 0, len(records))
		for _, p := range records {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PaymentID < out[j].PaymentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
