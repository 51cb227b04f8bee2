package consultation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexconsult/lexconsult/internal/platform/lock"
)

// MemoryRepository is an in-process Repository. Units of work for the same
// lawyer are serialized and their writes are applied only on success.
type MemoryRepository struct {
	mu            sync.RWMutex
	consultations map[uuid.UUID]*Consultation
	users         map[uuid.UUID]*User
	templates     map[uuid.UUID]*Template
	exceptions    map[string]*Exception
	lawyers       *lock.LocalLocker
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		consultations: make(map[uuid.UUID]*Consultation),
		users:         make(map[uuid.UUID]*User),
		templates:     make(map[uuid.UUID]*Template),
		exceptions:    make(map[string]*Exception),
		lawyers:       lock.NewLocalLocker(),
	}
}

// PutUser adds or replaces a user account.
func (r *MemoryRepository) PutUser(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
}

func (r *MemoryRepository) WithinLawyerTx(ctx context.Context, lawyerID uuid.UUID, fn func(tx LawyerTx) error) error {
	release, err := r.lawyers.Acquire(ctx, lawyerID.String())
	if err != nil {
		return err
	}
	defer release()

	tx := &memTx{repo: r, lawyerID: lawyerID, staged: make(map[uuid.UUID]*Consultation)}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range tx.staged {
		r.consultations[id] = c
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, notFound("consultation %s not found", id)
	}
	return c.clone(), nil
}

func (r *MemoryRepository) ListByParty(_ context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Consultation, int, error) {
	r.mu.RLock()
	var matched []*Consultation
	for _, c := range r.consultations {
		if !c.IsParty(userID) || (status != "" && c.Status != status) {
			continue
		}
		matched = append(matched, c.clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ScheduledAt.After(matched[j].ScheduledAt) })
	total := len(matched)
	if offset >= total {
		return []*Consultation{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (r *MemoryRepository) ListActiveForLawyer(_ context.Context, lawyerID uuid.UUID, from, to time.Time) ([]*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeOverlapping(lawyerID, Interval{Start: from, End: to}, uuid.Nil, nil), nil
}

// activeOverlapping must be called with r.mu held. staged entries shadow
// committed ones.
func (r *MemoryRepository) activeOverlapping(lawyerID uuid.UUID, iv Interval, exclude uuid.UUID, staged map[uuid.UUID]*Consultation) []*Consultation {
	var out []*Consultation
	consider := func(c *Consultation) {
		if c.LawyerID != lawyerID || c.ID == exclude || !c.Status.Active() {
			return
		}
		if Overlaps(iv, c.Interval()) {
			out = append(out, c.clone())
		}
	}
	for id, c := range r.consultations {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		consider(c)
	}
	for _, c := range staged {
		consider(c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (r *MemoryRepository) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, notFound("user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetTemplate(_ context.Context, lawyerID uuid.UUID) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[lawyerID]
	if !ok {
		return nil, notFound("no availability template for lawyer %s", lawyerID)
	}
	cp := *t
	cp.Weekly = make(map[time.Weekday][]Window, len(t.Weekly))
	for d, ws := range t.Weekly {
		cp.Weekly[d] = append([]Window(nil), ws...)
	}
	return &cp, nil
}

func (r *MemoryRepository) SaveTemplate(_ context.Context, t *Template) error {
	cp := *t
	cp.Weekly = make(map[time.Weekday][]Window, len(t.Weekly))
	for d, ws := range t.Weekly {
		cp.Weekly[d] = append([]Window(nil), ws...)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.LawyerID] = &cp
	return nil
}

func exceptionKey(lawyerID uuid.UUID, date string) string {
	return lawyerID.String() + "|" + date
}

func (r *MemoryRepository) GetException(_ context.Context, lawyerID uuid.UUID, date string) (*Exception, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.exceptions[exceptionKey(lawyerID, date)]
	if !ok {
		return nil, notFound("no availability exception for %s", date)
	}
	cp := *ex
	cp.Windows = append([]Window(nil), ex.Windows...)
	return &cp, nil
}

func (r *MemoryRepository) SaveException(_ context.Context, ex *Exception) error {
	cp := *ex
	cp.Windows = append([]Window(nil), ex.Windows...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions[exceptionKey(ex.LawyerID, ex.Date)] = &cp
	return nil
}

// memTx buffers writes until WithinLawyerTx commits them.
type memTx struct {
	repo     *MemoryRepository
	lawyerID uuid.UUID
	staged   map[uuid.UUID]*Consultation
}

func (t *memTx) FindConflicting(_ context.Context, proposed Interval, exclude uuid.UUID) ([]*Consultation, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	return t.repo.activeOverlapping(t.lawyerID, proposed, exclude, t.staged), nil
}

func (t *memTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	if c, ok := t.staged[id]; ok {
		return c.clone(), nil
	}
	return t.repo.Get(ctx, id)
}

func (t *memTx) Insert(_ context.Context, c *Consultation) error {
	if c.LawyerID != t.lawyerID {
		return fmt.Errorf("consultation %s belongs to another lawyer", c.ID)
	}
	t.repo.mu.RLock()
	_, exists := t.repo.consultations[c.ID]
	t.repo.mu.RUnlock()
	if _, staged := t.staged[c.ID]; exists || staged {
		return fmt.Errorf("consultation %s already exists", c.ID)
	}
	t.staged[c.ID] = c.clone()
	return nil
}

func (t *memTx) Update(ctx context.Context, c *Consultation) error {
	if _, ok := t.staged[c.ID]; !ok {
		if _, err := t.repo.Get(ctx, c.ID); err != nil {
			return err
		}
	}
	t.staged[c.ID] = c.clone()
	return nil
}
