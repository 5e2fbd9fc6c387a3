package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is a concurrency-safe in-memory Store for tests and local
// development. Units of work hold per-account locks; their writes are staged
// and applied under a short data lock at commit, so readers never observe a
// half-applied unit and never wait on an unrelated one.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]Account
	entries  []Entry
	byUser   map[int64][]int

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	nextID atomic.Int64
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]Account),
		byUser:   make(map[int64][]int),
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, userID int64, at time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[userID]; exists {
		return Account{}, ErrAccountExists
	}
	acct := NewAccount(userID, at)
	s.accounts[userID] = acct
	return acct, nil
}

func (s *MemoryStore) Account(_ context.Context, userID int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (s *MemoryStore) Entries(_ context.Context, userID int64, offset, limit int) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byUser[userID]
	total := len(idx)

	out := make([]Entry, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[idx[i]])
	}
	return out, total, nil
}

func (s *MemoryStore) HasEntry(_ context.Context, userID int64, category Category) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, i := range s.byUser[userID] {
		if s.entries[i].Category == category {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: s, staged: make(map[int64]Account)}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range tx.entries {
		if _, ok := s.accounts[e.UserID]; !ok {
			return ErrAccountNotFound
		}
	}
	for _, e := range tx.entries {
		s.entries = append(s.entries, e)
		s.byUser[e.UserID] = append(s.byUser[e.UserID], len(s.entries)-1)
	}
	for id, acct := range tx.staged {
		s.accounts[id] = acct
	}
	return nil
}

func (s *MemoryStore) accountLock(userID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if _, exists := s.locks[userID]; !exists {
		s.locks[userID] = &sync.Mutex{}
	}
	return s.locks[userID]
}

type memoryTx struct {
	store   *MemoryStore
	held    []*sync.Mutex
	locked  map[int64]struct{}
	staged  map[int64]Account
	entries []Entry
}

func (tx *memoryTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
	tx.held = nil
}

func (tx *memoryTx) LockAccounts(_ context.Context, userIDs ...int64) (map[int64]Account, error) {
	if tx.locked != nil {
		return nil, errors.New("ledger: accounts already locked in this unit of work")
	}
	ids := uniqueSorted(userIDs)

	tx.store.mu.RLock()
	for _, id := range ids {
		if _, ok := tx.store.accounts[id]; !ok {
			tx.store.mu.RUnlock()
			return nil, ErrAccountNotFound
		}
	}
	tx.store.mu.RUnlock()

	tx.locked = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m := tx.store.accountLock(id)
		m.Lock()
		tx.held = append(tx.held, m)
		tx.locked[id] = struct{}{}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	out := make(map[int64]Account, len(ids))
	for _, id := range ids {
		out[id] = tx.store.accounts[id]
	}
	return out, nil
}

func (tx *memoryTx) EntriesByReference(_ context.Context, ref Reference) ([]Entry, error) {
	tx.store.mu.RLock()
	var out []Entry
	for _, e := range tx.store.entries {
		if e.Reference.Matches(ref) {
			out = append(out, e)
		}
	}
	tx.store.mu.RUnlock()

	for _, e := range tx.entries {
		if e.Reference.Matches(ref) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) Totals(_ context.Context, userID int64) (Totals, error) {
	tx.store.mu.RLock()
	var history []Entry
	for _, i := range tx.store.byUser[userID] {
		history = append(history, tx.store.entries[i])
	}
	tx.store.mu.RUnlock()

	for _, e := range tx.entries {
		if e.UserID == userID {
			history = append(history, e)
		}
	}
	return totalsOf(history), nil
}

func (tx *memoryTx) InsertEntry(_ context.Context, e Entry) (Entry, error) {
	if _, ok := tx.locked[e.UserID]; !ok {
		return Entry{}, errors.New("ledger: entry written for an account not locked in this unit of work")
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	e.ID = tx.store.nextID.Add(1)
	tx.entries = append(tx.entries, e)
	return e, nil
}

func (tx *memoryTx) UpdateAccount(_ context.Context, a Account) error {
	if _, ok := tx.locked[a.UserID]; !ok {
		return errors.New("ledger: account update outside the locked set")
	}
	tx.staged[a.UserID] = a
	return nil
}
