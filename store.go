package authstate

import (
	"encoding/json"
	"sync"
	"time"
)

// Keys the manager owns in the Store. userEmail and userName duplicate
// the profile for legacy readers that display them without decoding
// JSON; nothing outside the manager may write any of these.
const (
	KeyAuthToken    = "authToken"
	KeyRefreshToken = "refreshToken"
	KeyTokenExpires = "tokenExpires"
	KeyUserProfile  = "userProfile"
	KeyUserEmail    = "userEmail"
	KeyUserName     = "userName"
)

var managedKeys = []string{
	KeyAuthToken,
	KeyRefreshToken,
	KeyTokenExpires,
	KeyUserProfile,
	KeyUserEmail,
	KeyUserName,
}

// MemoryStore is a Store kept entirely in memory. It is the default
// when no durable store is configured and the workhorse in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]string{}}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// persistSnapshot writes an authenticated snapshot to the store. Called
// before subscribers hear about the transition so a reload made by a
// callback already sees the committed state.
func persistSnapshot(store Store, snap Snapshot) error {
	if !snap.Authenticated {
		return clearPersisted(store)
	}

	if err := store.Set(KeyAuthToken, snap.AccessToken); err != nil {
		return err
	}

	if snap.RefreshToken != "" {
		if err := store.Set(KeyRefreshToken, snap.RefreshToken); err != nil {
			return err
		}
	} else if err := store.Delete(KeyRefreshToken); err != nil {
		return err
	}

	if !snap.ExpiresAt.IsZero() {
		if err := store.Set(KeyTokenExpires, snap.ExpiresAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}

	if snap.User != nil {
		profile, err := json.Marshal(snap.User)
		if err != nil {
			return err
		}
		if err := store.Set(KeyUserProfile, string(profile)); err != nil {
			return err
		}
		if err := store.Set(KeyUserEmail, snap.User.Email); err != nil {
			return err
		}
		if err := store.Set(KeyUserName, snap.User.Name); err != nil {
			return err
		}
	}

	return nil
}

func clearPersisted(store Store) error {
	return store.Delete(managedKeys...)
}

// restoreSnapshot rebuilds the last committed snapshot from the store.
// A missing token yields the empty snapshot; unreadable expiry or
// profile values degrade gracefully instead of failing the restore.
func restoreSnapshot(store Store, now time.Time) (Snapshot, error) {
	token, ok, err := store.Get(KeyAuthToken)
	if err != nil {
		return emptySnapshot(), err
	}
	if !ok || token == "" {
		return emptySnapshot(), nil
	}

	snap := Snapshot{
		Authenticated: true,
		AccessToken:   token,
	}

	if refresh, found, rerr := store.Get(KeyRefreshToken); rerr == nil && found {
		snap.RefreshToken = refresh
	}

	if raw, found, eerr := store.Get(KeyTokenExpires); eerr == nil && found {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			snap.ExpiresAt = ts
		}
	}

	if profile, found, perr := store.Get(KeyUserProfile); perr == nil && found {
		user := &User{}
		if uerr := json.Unmarshal([]byte(profile), user); uerr == nil {
			snap.User = user
		}
	}

	if snap.User == nil {
		user := &User{}
		if email, found, _ := store.Get(KeyUserEmail); found {
			user.Email = email
		}
		if name, found, _ := store.Get(KeyUserName); found {
			user.Name = name
		}
		snap.User = user
	}

	if snap.Expired(now) {
		snap.Status = StatusAuthenticatedStale
	} else {
		snap.Status = StatusAuthenticatedFresh
	}

	return snap, nil
}
