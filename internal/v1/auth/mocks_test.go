package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/types"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*types.User

	getErr    error
	insertErr error
	updateErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*types.User)}
}

func (f *fakeUserRepo) put(user *types.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.users[user.UserID] = &cp
}

func (f *fakeUserRepo) row(userID string) *types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil
	}
	cp := *user
	return &cp
}

func (f *fakeUserRepo) remove(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
}

func (f *fakeUserRepo) Insert(ctx context.Context, user *types.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.users[user.UserID]; ok {
		return apperr.Conflict("USER_EXISTS", fmt.Sprintf("user %q already exists", user.UserID))
	}
	cp := *user
	f.users[user.UserID] = &cp
	return nil
}

func (f *fakeUserRepo) Get(ctx context.Context, userID string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", userID))
	}
	cp := *user
	return &cp, nil
}

func (f *fakeUserRepo) Update(ctx context.Context, user *types.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.users[user.UserID]; !ok {
		return apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", user.UserID))
	}
	cp := *user
	f.users[user.UserID] = &cp
	return nil
}

type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*types.APIKey

	listErr error
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: make(map[string]*types.APIKey)}
}

func (f *fakeKeyRepo) Insert(ctx context.Context, key *types.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *key
	f.keys[key.Key] = &cp
	return nil
}

func (f *fakeKeyRepo) List(ctx context.Context) ([]*types.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*types.APIKey, 0, len(f.keys))
	for _, key := range f.keys {
		cp := *key
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreationDate > out[j].CreationDate })
	return out, nil
}

func (f *fakeKeyRepo) DeleteAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = make(map[string]*types.APIKey)
	return nil
}
