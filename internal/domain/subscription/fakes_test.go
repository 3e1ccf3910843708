package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/internal/domain/entitlement"
	"github.com/clinisist/clinisist/internal/domain/identity"
	"github.com/clinisist/clinisist/internal/domain/plan"
	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/events"
	"github.com/clinisist/clinisist/pkg/pagination"
)

// memRepo is an in-memory ledger with the same conditional-write semantics
// as the Postgres repository.
type memRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Subscription

	// beforeInsert runs once, before the next Insert, to simulate a racing
	// writer.
	beforeInsert func(r *memRepo)
	// afterListExpired and beforeHasValid run on every call, outside the
	// repository lock, so they may call back into the repository.
	afterListExpired func(kind Kind)
	beforeHasValid   func(kind Kind, subscriberID uuid.UUID)
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[uuid.UUID]*Subscription)}
}

func clone(s *Subscription) *Subscription {
	cp := *s
	return &cp
}

func (m *memRepo) put(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = clone(s)
}

func (m *memRepo) get(id uuid.UUID) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		return clone(s)
	}
	return nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memRepo) pairLocked(kind Kind, subscriberID, planID uuid.UUID) *Subscription {
	for _, s := range m.rows {
		if s.Kind == kind && s.SubscriberID == subscriberID && s.PlanID == planID {
			return s
		}
	}
	return nil
}

func (m *memRepo) FindByPair(_ context.Context, kind Kind, subscriberID, planID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.pairLocked(kind, subscriberID, planID); s != nil {
		return clone(s), nil
	}
	return nil, apperr.NotFound("subscription")
}

func (m *memRepo) Insert(_ context.Context, s *Subscription) (bool, error) {
	if hook := m.beforeInsert; hook != nil {
		m.beforeInsert = nil
		hook(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairLocked(s.Kind, s.SubscriberID, s.PlanID) != nil {
		return false, nil
	}
	m.rows[s.ID] = clone(s)
	return true, nil
}

func (m *memRepo) RenewIfExpired(_ context.Context, s *Subscription, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[s.ID]
	if !ok || !cur.EndDate.Before(now) {
		return false, nil
	}
	next := clone(s)
	next.Renewal = true
	next.ExpiryNotifiedAt = nil
	m.rows[s.ID] = next
	return true, nil
}

func (m *memRepo) ExtendIfUnchanged(_ context.Context, s *Subscription, observedEnd time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[s.ID]
	if !ok || !cur.EndDate.Equal(observedEnd) {
		return false, nil
	}
	cur.EndDate = s.EndDate
	cur.Renewal = true
	cur.Price = s.Price
	cur.ExpiryNotifiedAt = nil
	cur.UpdatedAt = s.UpdatedAt
	return true, nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	if s := m.get(id); s != nil {
		return s, nil
	}
	return nil, apperr.NotFound("subscription")
}

func (m *memRepo) Delete(_ context.Context, kind Kind, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.Kind != kind {
		return apperr.NotFound("subscription")
	}
	delete(m.rows, id)
	return nil
}

func (m *memRepo) filter(fn func(*Subscription) bool) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.rows {
		if fn(s) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return out
}

func (m *memRepo) ListExpired(_ context.Context, kind Kind, now time.Time) ([]*Subscription, error) {
	out := m.filter(func(s *Subscription) bool { return s.Kind == kind && s.EndDate.Before(now) })
	if m.afterListExpired != nil {
		m.afterListExpired(kind)
	}
	return out, nil
}

func (m *memRepo) MarkExpiryNotified(_ context.Context, kind Kind, id uuid.UUID, at time.Time) (*Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.Kind != kind || s.ExpiryNotifiedAt != nil || !s.EndDate.Before(at) {
		return nil, false, nil
	}
	t := at
	s.ExpiryNotifiedAt = &t
	return clone(s), true, nil
}

func (m *memRepo) ReleaseExpiryNotice(_ context.Context, kind Kind, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if ok && s.Kind == kind && s.ExpiryNotifiedAt != nil && s.ExpiryNotifiedAt.Equal(at) {
		s.ExpiryNotifiedAt = nil
	}
	return nil
}

func (m *memRepo) HasValid(_ context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) (bool, error) {
	if m.beforeHasValid != nil {
		m.beforeHasValid(kind, subscriberID)
	}
	return len(m.filter(func(s *Subscription) bool {
		return s.Kind == kind && s.SubscriberID == subscriberID && s.ValidAt(now)
	})) > 0, nil
}

func (m *memRepo) HasAny(_ context.Context, kind Kind, subscriberID, planID uuid.UUID) (bool, error) {
	return len(m.filter(func(s *Subscription) bool {
		return s.Kind == kind && s.SubscriberID == subscriberID && (planID == uuid.Nil || s.PlanID == planID)
	})) > 0, nil
}

func (m *memRepo) Counts(_ context.Context, kind Kind, now time.Time) (*Counts, error) {
	var c Counts
	for _, s := range m.filter(func(s *Subscription) bool { return s.Kind == kind }) {
		if s.ValidAt(now) {
			c.Valid++
		} else {
			c.Ended++
		}
		if s.Renewal {
			c.Renewal++
		}
	}
	return &c, nil
}

func (m *memRepo) ListBySubscriber(_ context.Context, kind Kind, subscriberID uuid.UUID) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Kind == kind && s.SubscriberID == subscriberID }), nil
}

func (m *memRepo) ListValid(_ context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.Kind == kind && s.SubscriberID == subscriberID && !s.StartDate.After(now) && s.ValidAt(now)
	}), nil
}

func (m *memRepo) List(_ context.Context, kind Kind, _ pagination.Params) ([]*Subscription, int, error) {
	out := m.filter(func(s *Subscription) bool { return s.Kind == kind })
	return out, len(out), nil
}

func (m *memRepo) PlanInUse(_ context.Context, planID uuid.UUID) (bool, error) {
	return len(m.filter(func(s *Subscription) bool { return s.PlanID == planID })) > 0, nil
}

type fakePlans map[uuid.UUID]*plan.Plan

func (f fakePlans) GetPlan(_ context.Context, id uuid.UUID) (*plan.Plan, error) {
	if p, ok := f[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperr.NotFound("plan")
}

type fakeDirectory map[uuid.UUID]identity.Contact

func (f fakeDirectory) Contact(_ context.Context, _ string, id uuid.UUID) (*identity.Contact, error) {
	if c, ok := f[id]; ok {
		return &c, nil
	}
	return nil, apperr.NotFound("subscriber")
}

// fakeEntitlements models the clinician and organization flags, including
// the organization cascade.
type fakeEntitlements struct {
	mu         sync.Mutex
	clinicians map[uuid.UUID]string
	orgs       map[uuid.UUID]bool
	members    map[uuid.UUID]uuid.UUID // clinician -> organization
	fail       map[uuid.UUID]error
	calls      []entitlement.EntityRef
	locks      []entitlement.EntityRef
}

func newFakeEntitlements() *fakeEntitlements {
	return &fakeEntitlements{
		clinicians: make(map[uuid.UUID]string),
		orgs:       make(map[uuid.UUID]bool),
		members:    make(map[uuid.UUID]uuid.UUID),
		fail:       make(map[uuid.UUID]error),
	}
}

func (f *fakeEntitlements) Lock(_ context.Context, ref entitlement.EntityRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, ref)
	switch ref.Kind {
	case entitlement.KindClinician:
		if _, ok := f.clinicians[ref.ID]; !ok {
			return apperr.NotFound("clinician")
		}
	case entitlement.KindOrganization:
		if _, ok := f.orgs[ref.ID]; !ok {
			return apperr.NotFound("organization")
		}
	}
	return nil
}

func (f *fakeEntitlements) lockCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks)
}

func (f *fakeEntitlements) SetActive(_ context.Context, ref entitlement.EntityRef, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if err := f.fail[ref.ID]; err != nil {
		return err
	}
	flag := "no"
	if active {
		flag = "yes"
	}
	switch ref.Kind {
	case entitlement.KindClinician:
		if _, ok := f.clinicians[ref.ID]; !ok {
			return apperr.NotFound("clinician")
		}
		f.clinicians[ref.ID] = flag
	case entitlement.KindOrganization:
		if _, ok := f.orgs[ref.ID]; !ok {
			return apperr.NotFound("organization")
		}
		f.orgs[ref.ID] = active
		for c, org := range f.members {
			if org == ref.ID {
				f.clinicians[c] = flag
			}
		}
	}
	return nil
}

func (f *fakeEntitlements) clinician(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clinicians[id]
}

func (f *fakeEntitlements) org(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orgs[id]
}

type inTxKey struct{}

// serialTx runs one transaction at a time. It stands in for the entitlement
// row lock, which serializes every ledger write for a subscriber.
type serialTx struct {
	mu sync.Mutex
}

func (s *serialTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, inTxKey{}, true))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// rejectingQueue is a publisher that can refuse to queue an event.
type rejectingQueue struct {
	recordingPublisher
	err error
}

func (q *rejectingQueue) Enqueue(ctx context.Context, e events.Event) error {
	if q.err != nil {
		return q.err
	}
	q.Publish(ctx, e)
	return nil
}
