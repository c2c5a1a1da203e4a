package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rosterhub/pkg/domain"
)

// MemoryStore keeps users and collaborators in-process. It enforces the same
// uniqueness and ownership rules as the Postgres schema and is used for local
// runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User
	emails map[string]string // user email -> user id

	collabs     map[string]domain.Collaborator
	collabEmail map[string]string // collaborator email -> id
	collabCPF   map[string]string // cpf -> id
	seq         int64
	order       map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		emails:      make(map[string]string),
		collabs:     make(map[string]domain.Collaborator),
		collabEmail: make(map[string]string),
		collabCPF:   make(map[string]string),
		order:       make(map[string]int64),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if id, ok := m.emails[key]; ok && id != u.ID {
		return &domain.ConflictError{Field: "email", Value: u.Email}
	}
	if prev, ok := m.users[u.ID]; ok {
		delete(m.emails, strings.ToLower(prev.Email))
	}
	m.users[u.ID] = u
	m.emails[key] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// DeleteUser removes the user and every collaborator they own.
func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(m.users, id)
	delete(m.emails, strings.ToLower(u.Email))
	for cid, c := range m.collabs {
		if c.UserID == id {
			m.removeCollaboratorLocked(cid)
		}
	}
	return nil
}

func (m *MemoryStore) CreateCollaborator(ctx context.Context, c domain.Collaborator) error {
	return m.CreateCollaborators(ctx, []domain.Collaborator{c})
}

// CreateCollaborators checks every row before inserting any, so a conflict
// leaves the store unchanged.
func (m *MemoryStore) CreateCollaborators(_ context.Context, cs []domain.Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seenEmail := make(map[string]struct{}, len(cs))
	seenCPF := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		if _, ok := m.users[c.UserID]; !ok {
			return fmt.Errorf("owner: %w", domain.ErrNotFound)
		}
		if _, ok := m.collabs[c.ID]; ok {
			return &domain.ConflictError{Field: "id", Value: c.ID}
		}
		if _, ok := m.collabEmail[c.Email]; ok {
			return &domain.ConflictError{Field: "email", Value: c.Email}
		}
		if _, ok := seenEmail[c.Email]; ok {
			return &domain.ConflictError{Field: "email", Value: c.Email}
		}
		if _, ok := m.collabCPF[c.CPF]; ok {
			return &domain.ConflictError{Field: "cpf", Value: c.CPF}
		}
		if _, ok := seenCPF[c.CPF]; ok {
			return &domain.ConflictError{Field: "cpf", Value: c.CPF}
		}
		seenEmail[c.Email] = struct{}{}
		seenCPF[c.CPF] = struct{}{}
	}
	for _, c := range cs {
		m.seq++
		m.order[c.ID] = m.seq
		m.collabs[c.ID] = c
		m.collabEmail[c.Email] = c.ID
		m.collabCPF[c.CPF] = c.ID
	}
	return nil
}

func (m *MemoryStore) UpdateCollaborator(_ context.Context, c domain.Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.collabs[c.ID]
	if !ok || prev.UserID != c.UserID {
		return domain.ErrNotFound
	}
	if id, ok := m.collabEmail[c.Email]; ok && id != c.ID {
		return &domain.ConflictError{Field: "email", Value: c.Email}
	}
	if id, ok := m.collabCPF[c.CPF]; ok && id != c.ID {
		return &domain.ConflictError{Field: "cpf", Value: c.CPF}
	}
	delete(m.collabEmail, prev.Email)
	delete(m.collabCPF, prev.CPF)
	c.CreatedAt = prev.CreatedAt
	m.collabs[c.ID] = c
	m.collabEmail[c.Email] = c.ID
	m.collabCPF[c.CPF] = c.ID
	return nil
}

func (m *MemoryStore) GetCollaborator(_ context.Context, ownerID, id string) (domain.Collaborator, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collabs[id]
	if !ok || c.UserID != ownerID {
		return domain.Collaborator{}, false, nil
	}
	return c, true, nil
}

// ListCollaboratorsByOwner returns the owner's collaborators in insertion order.
func (m *MemoryStore) ListCollaboratorsByOwner(_ context.Context, ownerID string) ([]domain.Collaborator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Collaborator, 0)
	for _, c := range m.collabs {
		if c.UserID == ownerID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return m.order[res[i].ID] < m.order[res[j].ID] })
	return res, nil
}

func (m *MemoryStore) DeleteCollaborator(_ context.Context, ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collabs[id]
	if !ok || c.UserID != ownerID {
		return false, nil
	}
	m.removeCollaboratorLocked(id)
	return true, nil
}

func (m *MemoryStore) CollaboratorTaken(_ context.Context, field, value, exceptID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var index map[string]string
	switch field {
	case "email":
		index = m.collabEmail
	case "cpf":
		index = m.collabCPF
	default:
		return false, fmt.Errorf("field %q is not unique", field)
	}
	id, ok := index[value]
	return ok && id != exceptID, nil
}

func (m *MemoryStore) removeCollaboratorLocked(id string) {
	c := m.collabs[id]
	delete(m.collabs, id)
	delete(m.order, id)
	delete(m.collabEmail, c.Email)
	delete(m.collabCPF, c.CPF)
}
