package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"seqmail/models"
	"seqmail/store"
	"seqmail/utils"
)

// fakeStore is an in-memory stand-in for *store.Store with the same
// claim semantics: a due enrollment can be claimed by exactly one
// instance at a time.
type fakeStore struct {
	mu          sync.Mutex
	sequences   map[uint]*models.Sequence
	subscribers map[uint]models.Subscriber
	enrollments map[uint]*models.SequenceEnrollment
	nextID      uint

	// sequenceErr, when set, fails every sequence lookup. Simulates a
	// transient store outage.
	sequenceErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sequences:   make(map[uint]*models.Sequence),
		subscribers: make(map[uint]models.Subscriber),
		enrollments: make(map[uint]*models.SequenceEnrollment),
	}
}

func (s *fakeStore) addSequence(seq *models.Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[seq.ID] = seq
}

func (s *fakeStore) addSubscriber(sub models.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
}

func (s *fakeStore) getEnrollment(id uint) models.SequenceEnrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.enrollments[id]
}

func (s *fakeStore) GetSequenceWithSteps(ctx context.Context, id uint) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequenceErr != nil {
		return nil, s.sequenceErr
	}
	seq, ok := s.sequences[id]
	if !ok || !seq.IsActive {
		return nil, store.ErrSequenceNotFound
	}
	out := *seq
	out.Steps = append([]models.SequenceEmail(nil), seq.Steps...)
	sort.Slice(out.Steps, func(i, j int) bool {
		return out.Steps[i].StepOrder < out.Steps[j].StepOrder
	})
	return &out, nil
}

func (s *fakeStore) FindEnrollment(ctx context.Context, subscriberID, sequenceID uint) (*models.SequenceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.SubscriberID == subscriberID && e.SequenceID == sequenceID {
			out := *e
			return &out, nil
		}
	}
	return nil, store.ErrEnrollmentNotFound
}

func (s *fakeStore) GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, store.ErrEnrollmentNotFound
	}
	out := *e
	return &out, nil
}

func (s *fakeStore) CreateEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.SubscriberID == enrollment.SubscriberID && e.SequenceID == enrollment.SequenceID {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	s.nextID++
	enrollment.ID = s.nextID
	stored := *enrollment
	s.enrollments[enrollment.ID] = &stored
	return nil
}

func (s *fakeStore) PauseEnrollment(ctx context.Context, id uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.Status != models.EnrollmentActive {
		return false, nil
	}
	e.Status = models.EnrollmentPaused
	return true, nil
}

func (s *fakeStore) ResumeEnrollment(ctx context.Context, id uint, nextEmailAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.Status != models.EnrollmentPaused {
		return false, nil
	}
	e.Status = models.EnrollmentActive
	e.NextEmailAt = nextEmailAt
	return true, nil
}

func (s *fakeStore) ClaimDue(ctx context.Context, now time.Time, claimedBy string, limit int) ([]models.SequenceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := now.Add(-store.ClaimLease)
	var claimed []models.SequenceEnrollment
	for _, e := range s.enrollments {
		if len(claimed) >= limit {
			break
		}
		if e.Status != models.EnrollmentActive {
			continue
		}
		if e.NextEmailAt == nil || e.NextEmailAt.After(now) {
			continue
		}
		if e.ClaimedAt != nil && e.ClaimedAt.After(stale) {
			continue
		}
		e.ClaimedBy = &claimedBy
		claimedAt := now
		e.ClaimedAt = &claimedAt

		out := *e
		out.Subscriber = s.subscribers[e.SubscriberID]
		claimed = append(claimed, out)
	}
	return claimed, nil
}

func (s *fakeStore) AdvanceEnrollment(ctx context.Context, id uint, claimedBy string, nextEmailAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.ClaimedBy == nil || *e.ClaimedBy != claimedBy {
		return errors.New("enrollment no longer claimed")
	}
	e.CurrentEmailIndex++
	e.EmailsSent++
	e.NextEmailAt = nextEmailAt
	e.ClaimedBy = nil
	e.ClaimedAt = nil
	return nil
}

func (s *fakeStore) CompleteEnrollment(ctx context.Context, id uint, claimedBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.ClaimedBy == nil || *e.ClaimedBy != claimedBy {
		return errors.New("enrollment no longer claimed")
	}
	e.Status = models.EnrollmentCompleted
	completedAt := now
	e.CompletedAt = &completedAt
	e.NextEmailAt = nil
	e.ClaimedBy = nil
	e.ClaimedAt = nil
	return nil
}

func (s *fakeStore) ReleaseEnrollment(ctx context.Context, id uint, claimedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.ClaimedBy == nil || *e.ClaimedBy != claimedBy {
		return nil
	}
	e.ClaimedBy = nil
	e.ClaimedAt = nil
	return nil
}

// fakeMailer records dispatched mail and can be told to fail, globally
// or per recipient.
type fakeMailer struct {
	mu        sync.Mutex
	sent      []utils.Email
	failAll   error
	failAddrs map[string]error
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{failAddrs: make(map[string]error)}
}

func (m *fakeMailer) Send(email utils.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	if err, ok := m.failAddrs[email.To]; ok {
		return err
	}
	m.sent = append(m.sent, email)
	return nil
}

func (m *fakeMailer) sentEmails() []utils.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]utils.Email(nil), m.sent...)
}
