package rulestore

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	dbm "github.com/Acacia-Ma/Rule-Bot/internal/db"
)

// IndexedStore wraps a GitStore with an in-memory mirror of the direct
// list, rebuilt from the git working copy at startup and after every
// append, and a SQLite audit log of who added what and when. Contains
// answers from the mirror instead of re-reading the working copy on every
// classify call; the git repository stays the source of truth.
type IndexedStore struct {
	git *GitStore
	db  *gorm.DB

	mu      sync.RWMutex
	domains map[string]bool
}

// NewIndexedStore migrates the mirror schema and performs the initial
// load from the git working copy.
func NewIndexedStore(git *GitStore, gdb *gorm.DB) (*IndexedStore, error) {
	if err := dbm.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	s := &IndexedStore{git: git, db: gdb}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IndexedStore) reload() error {
	lines, err := s.git.readLines()
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(lines))
	for _, l := range lines {
		set[l] = true
	}
	s.mu.Lock()
	s.domains = set
	s.mu.Unlock()
	return nil
}

// Contains answers from the in-memory mirror: an exact hit, or a suffix hit
// against any ancestor of domain.
func (s *IndexedStore) Contains(ctx context.Context, domain string) (bool, string, error) {
	domain = strings.ToLower(domain)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.domains[domain] {
		return true, domain, nil
	}
	labels := strings.Split(domain, ".")
	for i := 1; i < len(labels); i++ {
		candidate := strings.Join(labels[i:], ".")
		if s.domains[candidate] {
			return true, candidate, nil
		}
	}
	return false, "", nil
}

// Append delegates to the git store, records the audit entry, and reloads
// the mirror. A failure to write the audit row is logged but does not fail
// the call: the git commit already succeeded and is the durable record.
func (s *IndexedStore) Append(ctx context.Context, domain, author string) (string, error) {
	commitID, err := s.git.Append(ctx, domain, author)
	if err != nil {
		return "", err
	}

	entry := dbm.RuleEntry{
		Domain:    strings.ToLower(domain),
		Author:    author,
		CommitID:  commitID,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("rulestore: audit log write failed for %s: %v", domain, err)
	}

	if err := s.reload(); err != nil {
		log.Printf("rulestore: mirror reload failed after appending %s: %v", domain, err)
	}
	return commitID, nil
}

var _ Store = (*IndexedStore)(nil)
var _ Store = (*GitStore)(nil)
