package storage

import (
	"sort"
	"time"

	"github.com/suspectuso/vip-gateway/internal/clock"
)

// MembershipFile keeps the latest membership per user in a single JSON document
type MembershipFile struct {
	doc   *document[MembershipRecord]
	clock clock.Clock
}

// NewMembershipFile returns a membership store kept as a JSON document at path
func NewMembershipFile(path string, clk clock.Clock) *MembershipFile {
	return &MembershipFile{doc: newDocument[MembershipRecord](path), clock: clk}
}

// Activate grants a membership starting now, overwriting any previous record
func (s *MembershipFile) Activate(userID, username, membershipType string, durationDays int) (*MembershipRecord, error) {
	now := s.clock.Now()
	rec := MembershipRecord{
		UserID:         userID,
		Username:       username,
		MembershipType: membershipType,
		ActivatedAt:    now,
		ExpiresAt:      now.Add(time.Duration(durationDays) * 24 * time.Hour),
		Active:         true,
	}

	err := s.doc.update(func(records map[string]MembershipRecord) error {
		records[userID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the stored membership record for a user
func (s *MembershipFile) Get(userID string) (*MembershipRecord, error) {
	var found *MembershipRecord
	err := s.doc.view(func(records map[string]MembershipRecord) error {
		rec, ok := records[userID]
		if !ok {
			return ErrNotFound
		}
		found = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// IsActive checks the user's expiry against the current time
func (s *MembershipFile) IsActive(userID string) (bool, error) {
	rec, err := s.Get(userID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.IsActiveAt(s.clock.Now()), nil
}

// List returns all membership records ordered by user id
func (s *MembershipFile) List() ([]MembershipRecord, error) {
	var out []MembershipRecord
	err := s.doc.view(func(records map[string]MembershipRecord) error {
		out = make([]MembershipRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
