package locks

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAcquireTimeout is returned when an identity-lock set cannot be acquired
// within the manager's timeout.
var ErrAcquireTimeout = errors.New("identity lock acquire timeout")

// SourceHISKey is the lock key for a per-source HIS identifier.
func SourceHISKey(source, hisNumber string) string {
	return "src:" + source + "/his:" + hisNumber
}

// DocumentKey is the lock key for an identity-document pair.
func DocumentKey(docType int16, docNumber int64) string {
	return fmt.Sprintf("doc:%d/%d", docType, docNumber)
}

// CanonicalKey is the lock key for a canonical patient id.
func CanonicalKey(id uuid.UUID) string {
	return "can:" + id.String()
}

// Normalize sorts and deduplicates a key set. Acquisition always walks keys
// in this order, which is what makes concurrent reconciles deadlock-free.
func Normalize(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Manager serializes reconciles that touch the same identity.
type Manager interface {
	// Acquire takes every key in the set and returns a release function.
	// Blocks up to the manager's timeout; returns ErrAcquireTimeout after.
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// keyID hashes a string key into the bigint space Postgres advisory locks
// live in.
func keyID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Advisory implements Manager with Postgres session advisory locks. Each
// Acquire pins one pooled connection; the session locks live exactly as long
// as that connection is held, so a crashed worker frees its locks when the
// connection dies.
type Advisory struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewAdvisory(pool *pgxpool.Pool, timeout time.Duration) *Advisory {
	return &Advisory{pool: pool, timeout: timeout}
}

func (a *Advisory) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = Normalize(keys)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAcquireTimeout
		}
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	for _, key := range keys {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", keyID(key)); err != nil {
			// Unlock on a fresh context: the acquire context may already be dead.
			_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock_all()")
			conn.Release()
			if ctx.Err() != nil {
				return nil, ErrAcquireTimeout
			}
			return nil, fmt.Errorf("advisory lock %q: %w", key, err)
		}
	}

	release := func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock_all()")
		conn.Release()
	}
	return release, nil
}

// InProcess implements Manager with per-key semaphores. It backs unit tests
// and single-process deployments where the engine is the only writer.
type InProcess struct {
	timeout time.Duration

	mu   chan struct{} // guards sems
	sems map[string]chan struct{}
}

func NewInProcess(timeout time.Duration) *InProcess {
	m := &InProcess{
		timeout: timeout,
		mu:      make(chan struct{}, 1),
		sems:    make(map[string]chan struct{}),
	}
	return m
}

func (m *InProcess) sem(key string) chan struct{} {
	m.mu <- struct{}{}
	defer func() { <-m.mu }()
	s, ok := m.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.sems[key] = s
	}
	return s
}

func (m *InProcess) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = Normalize(keys)

	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	var held []chan struct{}
	rollback := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, key := range keys {
		s := m.sem(key)
		select {
		case s <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			rollback()
			return nil, ErrAcquireTimeout
		case <-deadline.C:
			rollback()
			return nil, ErrAcquireTimeout
		}
	}

	var released bool
	release := func() {
		if released {
			return
		}
		released = true
		rollback()
	}
	return release, nil
}
