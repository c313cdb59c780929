// Package adapter holds the persistence collaborators the coordinated
// update flows write through.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// User is the record managed by the users service.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UserRepository persists users. Get, Save and Delete report
// errors.ErrNotFound for an unknown id; Create and Save report
// errors.ErrConflict when the email is taken by another user.
type UserRepository interface {
	Get(ctx context.Context, id int64) (User, error)
	List(ctx context.Context) ([]User, error)
	Create(ctx context.Context, u User) (User, error)
	Save(ctx context.Context, u User) (User, error)
	Delete(ctx context.Context, id int64) error
}

// InMemoryUserRepository is a UserRepository backed by a map.
type InMemoryUserRepository struct {
	mu    sync.RWMutex
	items map[int64]User
	seq   int64
}

// NewInMemoryUserRepository returns an empty repository.
func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{items: make(map[int64]User)}
}

// Get implements UserRepository.Get.
func (r *InMemoryUserRepository) Get(ctx context.Context, id int64) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.items[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, wardenerrors.ErrNotFound)
	}
	return u, nil
}

// List implements UserRepository.List. Users are ordered by id.
func (r *InMemoryUserRepository) List(ctx context.Context) ([]User, error) {
	r.mu.RLock()
	out := make([]User, 0, len(r.items))
	for _, u := range r.items {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryUserRepository) emailTaken(email string, except int64) bool {
	for id, u := range r.items {
		if id != except && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

// Create implements UserRepository.Create. The id of u is ignored.
func (r *InMemoryUserRepository) Create(ctx context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emailTaken(u.Email, 0) {
		return User{}, fmt.Errorf("email %s: %w", u.Email, wardenerrors.ErrConflict)
	}
	r.seq++
	u.ID = r.seq
	r.items[u.ID] = u
	return u, nil
}

// Save implements UserRepository.Save.
func (r *InMemoryUserRepository) Save(ctx context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[u.ID]; !ok {
		return User{}, fmt.Errorf("user %d: %w", u.ID, wardenerrors.ErrNotFound)
	}
	if r.emailTaken(u.Email, u.ID) {
		return User{}, fmt.Errorf("email %s: %w", u.Email, wardenerrors.ErrConflict)
	}
	r.items[u.ID] = u
	return u, nil
}

// Delete implements UserRepository.Delete.
func (r *InMemoryUserRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("user %d: %w", id, wardenerrors.ErrNotFound)
	}
	delete(r.items, id)
	return nil
}
