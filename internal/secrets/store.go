// Package secrets implements the metadata-only key material store: keys are
// stored as a masked value plus a salted HMAC hash, plaintext is never
// retrievable, and every mutation lands in an append-only audit log.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// Metadata is everything a reader may learn about a stored key.
type Metadata struct {
	Key       string    `json:"key"`
	Masked    string    `json:"masked"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuditEntry records one mutation of the key material.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	Key       string    `json:"key"`
	Version   int       `json:"version"`
	Action    string    `json:"action"` // created | rotated
	Timestamp time.Time `json:"timestamp"`
}

type entry struct {
	meta Metadata
	salt []byte
	hash string
}

// Store holds key material in memory. Values enter through Put and only
// metadata ever comes back out.
type Store struct {
	mu     sync.RWMutex
	keys   map[string]*entry
	audit  []AuditEntry
	now    func() time.Time
	logger *log.Logger
}

func NewStore() *Store {
	return &Store{
		keys:   make(map[string]*entry),
		now:    time.Now,
		logger: log.New(log.Writer(), "[SECRETS] ", log.LstdFlags),
	}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Mask reduces a secret to its displayable form: first and last two
// characters with the middle blanked. Short values are fully blanked.
func Mask(plaintext string) string {
	if len(plaintext) <= 6 {
		return "******"
	}
	return plaintext[:2] + strings.Repeat("*", len(plaintext)-4) + plaintext[len(plaintext)-2:]
}

func hashSecret(salt []byte, plaintext string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Put stores a new key or rotates an existing one. The returned metadata is
// all the caller ever sees; plaintext is hashed and dropped.
func (s *Store) Put(actor, key, plaintext string) (Metadata, error) {
	if key == "" || plaintext == "" {
		return Metadata{}, oferr.New(oferr.KindValidation, "secret_invalid", "key and value are required")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Metadata{}, oferr.Wrap(oferr.KindFatal, "secret_salt", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	action := "created"
	version := 1
	createdAt := now
	if cur, ok := s.keys[key]; ok {
		action = "rotated"
		version = cur.meta.Version + 1
		createdAt = cur.meta.CreatedAt
	}

	e := &entry{
		meta: Metadata{
			Key:       key,
			Masked:    Mask(plaintext),
			Version:   version,
			CreatedAt: createdAt,
			UpdatedAt: now,
		},
		salt: salt,
		hash: hashSecret(salt, plaintext),
	}
	s.keys[key] = e
	s.audit = append(s.audit, AuditEntry{
		Actor:     actor,
		Key:       key,
		Version:   version,
		Action:    action,
		Timestamp: now,
	})
	s.logger.Printf("key %s %s (v%d) by %s", key, action, version, actor)
	return e.meta, nil
}

// Get returns metadata for a key.
func (s *Store) Get(key string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.keys[key]
	if !ok {
		return Metadata{}, false
	}
	return e.meta, true
}

// Verify checks a presented plaintext against the stored hash without
// exposing the stored value.
func (s *Store) Verify(key, plaintext string) bool {
	s.mu.RLock()
	e, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return hmac.Equal([]byte(e.hash), []byte(hashSecret(e.salt, plaintext)))
}

// Audit returns a copy of the append-only audit log.
func (s *Store) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}
