package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory. It backs local runs and
// tests; it implements the connection, directory and session contracts.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]User
	deals       map[string]Deal
	connections map[string]Connection
	refresh     map[string]refreshEntry
	revoked     map[string]time.Time
	credentials map[string]MailCredential
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		deals:       make(map[string]Deal),
		connections: make(map[string]Connection),
		refresh:     make(map[string]refreshEntry),
		revoked:     make(map[string]time.Time),
		credentials: make(map[string]MailCredential),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range s.users {
		if email != "" && strings.ToLower(existing.Email) == email {
			return fmt.Errorf("create user: email %s already registered", email)
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.users {
		if strings.ToLower(user.Email) == email {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) InsertDeal(_ context.Context, deal Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = time.Now().UTC()
	}
	s.deals[deal.ID] = deal
	return nil
}

func (s *MemoryStore) GetDeal(_ context.Context, id string) (Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deal, ok := s.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return deal, nil
}

func (s *MemoryStore) CreateConnection(_ context.Context, c Connection) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		return "", fmt.Errorf("create connection: id is required")
	}
	if _, exists := s.connections[c.ID]; exists {
		return "", fmt.Errorf("create connection: %s already exists", c.ID)
	}
	if !c.IsDealRequest() && s.findPeer(c.FromUserID, c.ToUserID) != nil {
		return "", ErrDuplicate
	}
	c.Status = c.DerivedStatus()
	s.connections[c.ID] = c
	return c.ID, nil
}

func (s *MemoryStore) GetConnection(_ context.Context, id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdateConnection(_ context.Context, id string, patch ConnectionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Precondition != nil {
		if err := patch.Precondition(c); err != nil {
			return err
		}
	}
	s.connections[id] = patch.Apply(c)
	return nil
}

func (s *MemoryStore) ListByParty(_ context.Context, userID string) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Connection, 0)
	for _, c := range s.connections {
		if c.FromUserID == userID {
			items = append(items, c)
		}
	}
	sortNewestFirst(items)
	return items, nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Connection, 0, len(s.connections))
	for _, c := range s.connections {
		items = append(items, c)
	}
	sortNewestFirst(items)
	return items, nil
}

func (s *MemoryStore) FindPeerConnection(_ context.Context, userA, userB string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findPeer(userA, userB), nil
}

// findPeer expects s.mu to be held.
func (s *MemoryStore) findPeer(userA, userB string) *Connection {
	for _, c := range s.connections {
		if c.DealID != "" {
			continue
		}
		if (c.FromUserID == userA && c.ToUserID == userB) || (c.FromUserID == userB && c.ToUserID == userA) {
			found := c
			return &found
		}
	}
	return nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.refresh[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.userID, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenHash)
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = expiresAt
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) SaveMailCredential(_ context.Context, cred MailCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.UserID] = cred
	return nil
}

func (s *MemoryStore) GetMailCredential(_ context.Context, userID string) (MailCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return MailCredential{}, ErrNotFound
	}
	return cred, nil
}

func sortNewestFirst(items []Connection) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
