// Package memory is the in-process reference implementation of the token store
// and session version counter. A single mutex serializes every operation, so
// one Store must not be shared across processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrEthical07/goRefresh/store"
)

// Store is a mutex-guarded map-backed [store.TokenStore].
type Store struct {
	mu        sync.Mutex
	nextID    uint64
	byUUID    map[string]*store.Record
	byHash    map[string]string
	children  map[string][]string
	bySession map[string][]string
}

var (
	_ store.TokenStore = (*Store)(nil)
	_ store.Successor  = (*Store)(nil)
)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byUUID:    make(map[string]*store.Record),
		byHash:    make(map[string]string),
		children:  make(map[string][]string),
		bySession: make(map[string][]string),
	}
}

func (s *Store) Insert(_ context.Context, rec *store.Record) (string, error) {
	if err := store.ValidateNew(rec); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertLocked(rec); err != nil {
		return "", err
	}
	return rec.UUID, nil
}

func (s *Store) insertLocked(rec *store.Record) error {
	if _, ok := s.byHash[rec.TokenHash]; ok {
		return store.ErrDuplicateHash
	}
	if _, ok := s.byUUID[rec.UUID]; ok {
		return store.ErrDuplicateUUID
	}

	s.nextID++
	stored := rec.Clone()
	stored.ID = s.nextID
	stored.ReplacedByUUID = ""
	stored.ConsumedAt = nil

	s.byUUID[stored.UUID] = stored
	s.byHash[stored.TokenHash] = stored.UUID
	s.bySession[stored.SessionID] = append(s.bySession[stored.SessionID], stored.UUID)
	if stored.ParentUUID != "" {
		s.children[stored.ParentUUID] = append(s.children[stored.ParentUUID], stored.UUID)
	}
	return nil
}

func (s *Store) FindByHash(_ context.Context, hash string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uuid, ok := s.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.byUUID[uuid].Clone(), nil
}

func (s *Store) FindActiveByHash(ctx context.Context, hash string) (*store.Record, error) {
	rec, err := s.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) FindByUUID(_ context.Context, uuid string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byUUID[uuid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) MarkConsumed(_ context.Context, uuid, replacedByUUID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.consumeLocked(uuid, replacedByUUID, at)
}

func (s *Store) consumeLocked(uuid, replacedByUUID string, at time.Time) error {
	rec, ok := s.byUUID[uuid]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != store.StatusActive {
		return store.ErrAlreadyConsumed
	}
	consumedAt := at.UTC()
	rec.Status = store.StatusConsumed
	rec.ReplacedByUUID = replacedByUUID
	rec.ConsumedAt = &consumedAt
	return nil
}

func (s *Store) ConsumeAndInsert(_ context.Context, currentUUID string, next *store.Record, at time.Time) error {
	if err := store.ValidateNew(next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byUUID[currentUUID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != store.StatusActive {
		return store.ErrAlreadyConsumed
	}
	if err := s.insertLocked(next); err != nil {
		return err
	}
	return s.consumeLocked(currentUUID, next.UUID, at)
}

func (s *Store) RevokeFamily(_ context.Context, uuid string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := s.familyLocked(uuid)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, id := range members {
		if s.revokeLocked(id) {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Store) RevokeBySession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, id := range s.bySession[sessionID] {
		if s.revokeLocked(id) {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Store) revokeLocked(uuid string) bool {
	rec, ok := s.byUUID[uuid]
	if !ok || rec.Status != store.StatusActive {
		return false
	}
	rec.Status = store.StatusRevoked
	return true
}

func (s *Store) FindFamilyChain(_ context.Context, uuid string) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.rootLocked(uuid)
	if err != nil {
		return nil, err
	}

	chain := make([]store.Record, 0, 8)
	for cur := root; cur != ""; {
		rec, ok := s.byUUID[cur]
		if !ok {
			break
		}
		if len(chain) >= store.MaxFamilySize {
			return nil, store.ErrFamilyTooLarge
		}
		chain = append(chain, *rec.Clone())
		cur = rec.ReplacedByUUID
	}
	return chain, nil
}

func (s *Store) ExpireStale(_ context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]*store.Record, 0)
	for _, rec := range s.byUUID {
		if rec.Status == store.StatusActive && rec.ExpiresAt.Before(now) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	for _, rec := range stale {
		rec.Status = store.StatusRevoked
	}
	return len(stale), nil
}

func (s *Store) rootLocked(uuid string) (string, error) {
	rec, ok := s.byUUID[uuid]
	if !ok {
		return "", store.ErrNotFound
	}
	for depth := 0; rec.ParentUUID != ""; depth++ {
		if depth >= store.MaxFamilySize {
			return "", store.ErrFamilyTooLarge
		}
		parent, ok := s.byUUID[rec.ParentUUID]
		if !ok {
			break
		}
		rec = parent
	}
	return rec.UUID, nil
}

// familyLocked returns the root and every descendant reachable through the
// parent index, including successors orphaned by a lost rotation race.
func (s *Store) familyLocked(uuid string) ([]string, error) {
	root, err := s.rootLocked(uuid)
	if err != nil {
		return nil, err
	}
	members := []string{root}
	for i := 0; i < len(members); i++ {
		for _, child := range s.children[members[i]] {
			if len(members) >= store.MaxFamilySize {
				return nil, store.ErrFamilyTooLarge
			}
			members = append(members, child)
		}
	}
	return members, nil
}

// Versions is a map-backed [store.VersionCounter].
type Versions struct {
	mu       sync.Mutex
	versions map[string]int64
}

var _ store.VersionCounter = (*Versions)(nil)

func NewVersions() *Versions {
	return &Versions{versions: make(map[string]int64)}
}

func (v *Versions) Bump(_ context.Context, sessionID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur, ok := v.versions[sessionID]
	if !ok {
		cur = store.InitialSessionVersion
	}
	cur++
	v.versions[sessionID] = cur
	return cur, nil
}

func (v *Versions) Current(_ context.Context, sessionID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cur, ok := v.versions[sessionID]; ok {
		return cur, nil
	}
	return store.InitialSessionVersion, nil
}
