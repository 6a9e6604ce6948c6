package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venrok/gateway/internal/httpx"
)

// User is a registered account. The password hash never serializes.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Email        string       `json:"email"`
	Roles        []Role       `json:"roles"`
	Permissions  []Permission `json:"permissions,omitempty"`
	PasswordHash string       `json:"-"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// UserStore is an in-memory account store. State is process-local.
type UserStore struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]*User
	params Argon2Params
}

func NewUserStore(params Argon2Params) *UserStore {
	return &UserStore{
		byID:   make(map[string]*User),
		byName: make(map[string]*User),
		params: params,
	}
}

// Register creates a user with the default "user" role. Inputs are assumed
// schema-validated by the caller.
func (s *UserStore) Register(username, email, password string) (User, error) {
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(username)
	if _, exists := s.byName[key]; exists {
		return User{}, httpx.NewError(httpx.KindBadRequest, "username already taken")
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		Roles:        []Role{RoleUser},
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	s.byID[u.ID] = u
	s.byName[key] = u
	return *u, nil
}

// Authenticate verifies the password against the stored Argon2id hash.
// Unknown users and wrong passwords are indistinguishable to the caller.
func (s *UserStore) Authenticate(username, password string) (User, error) {
	s.mu.RLock()
	u := s.byName[strings.ToLower(username)]
	s.mu.RUnlock()

	if u == nil || !VerifyPassword(password, u.PasswordHash) {
		return User{}, httpx.NewError(httpx.KindUnauthorized, "invalid credentials")
	}
	return *u, nil
}

func (s *UserStore) Get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.byID[id]; u != nil {
		return *u, true
	}
	return User{}, false
}

// SeedAdmin creates (or replaces) the bootstrap admin account so the admin
// surface is reachable on a fresh process.
func (s *UserStore) SeedAdmin(username, email, password string) (User, error) {
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(username)
	if old := s.byName[key]; old != nil {
		delete(s.byID, old.ID)
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		Roles:        []Role{RoleAdmin},
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	s.byID[u.ID] = u
	s.byName[key] = u
	return *u, nil
}
