// Package idempotency replays the stored response of a request whose Idempotency-Key was seen before.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	// ErrInFlight means another request with the same key has not finished yet.
	ErrInFlight = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused means the key was first used with a different request.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

type Response struct {
	Status      int
	ContentType string
	Result      []byte
	Fingerprint string
}

// Store persists responses and short-lived in-flight markers. A marker is owned by the token
// that took it; Unlock with any other token leaves it in place.
type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Lock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// Claim is held by the request executing under an idempotency key.
type Claim struct {
	Key   string
	Token string
}

type Idempotency struct {
	store   Store
	ttl     time.Duration
	lockTTL time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, lockTTL: 30 * time.Second}
}

// Fingerprint identifies a request by method, path and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin returns the stored response for key if there is one. Otherwise it claims key for the caller,
// who must pass the claim to Finish or Abort.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*Response, *Claim, error) {
	resp, err := i.stored(ctx, key, fingerprint)
	if err != nil || resp != nil {
		return resp, nil, err
	}
	claim := &Claim{Key: key, Token: uuid.NewString()}
	ok, err := i.store.Lock(ctx, key, claim.Token, i.lockTTL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "claim idempotency key")
	}
	if !ok {
		return nil, nil, ErrInFlight
	}
	// The previous holder may have finished between the lookup and the claim.
	resp, err = i.stored(ctx, key, fingerprint)
	if err != nil || resp != nil {
		return resp, nil, errors.CombineErrors(err, i.store.Unlock(ctx, key, claim.Token))
	}
	return nil, claim, nil
}

func (i *Idempotency) stored(ctx context.Context, key, fingerprint string) (*Response, error) {
	resp, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency record")
	}
	if resp != nil && resp.Fingerprint != "" && resp.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return resp, nil
}

// Finish stores resp for the claimed key and releases the claim.
func (i *Idempotency) Finish(ctx context.Context, claim *Claim, resp Response) error {
	err := i.store.Set(ctx, claim.Key, resp, i.ttl)
	return errors.CombineErrors(err, i.store.Unlock(ctx, claim.Key, claim.Token))
}

// Abort releases the claim without storing anything, so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, claim *Claim) error {
	return i.store.Unlock(ctx, claim.Key, claim.Token)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	resp  map[string]memoryEntry
	locks map[string]memoryLock
}

type memoryLock struct {
	token string
	until time.Time
}

type memoryEntry struct {
	resp    Response
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, resp: make(map[string]memoryEntry), locks: make(map[string]memoryLock)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resp[key]
	if !ok || !s.now().Before(e.expires) {
		delete(s.resp, key)
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp[key] = memoryEntry{resp: resp, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Lock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && s.now().Before(l.until) {
		return false, nil
	}
	s.locks[key] = memoryLock{token: token, until: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Unlock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.token == token {
		delete(s.locks, key)
	}
	return nil
}
