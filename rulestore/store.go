// Package rulestore implements RuleStore: the version-indexed,
// commit-then-switch repository of rule bundles that the Orchestrator
// consults on every admission and routing decision. Writers stage a
// bundle under its version; a separate commitment step atomically
// switches readers onto it. The store favors readers - lookups never
// block behind a staging write.
package rulestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"tokenflow.evalgo.org/common"
	"tokenflow.evalgo.org/ruleengine"
)

type key struct {
	Version   string
	Operation string
	Service   string
}

// Mirror optionally replicates rule files to durable, off-node storage
// as they are staged (see S3Mirror). A nil Mirror disables replication.
type Mirror interface {
	Put(version, operation, service string, data []byte) error
}

// Store is RuleStore: an in-memory index of committed rule bundles,
// backed by on-disk rule files and a bbolt index for restart recovery.
type Store struct {
	mu sync.RWMutex

	// committed holds bundles readers may use.
	committed map[key]*ruleengine.Bundle
	// staged holds bundles received but not yet committed.
	staged map[key]*ruleengine.Bundle
	// versions tracks which ruleBaseVersions have been committed.
	versions map[string]struct{}

	rootDir string
	db      *bbolt.DB
	mirror  Mirror

	log *common.ContextLogger
}

var (
	bucketName    = []byte("rule_bundles")
	versionBucket = []byte("committed_versions")
)

// Open opens (creating if necessary) a Store rooted at rootDir, with a
// bbolt index file at rootDir/rulestore.db. mirror may be nil.
func Open(rootDir string, mirror Mirror) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("rulestore: create root dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(rootDir, "rulestore.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("rulestore: open index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(versionBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("rulestore: init index bucket: %w", err)
	}

	s := &Store{
		committed: make(map[key]*ruleengine.Bundle),
		staged:    make(map[key]*ruleengine.Bundle),
		versions:  make(map[string]struct{}),
		rootDir:   rootDir,
		db:        db,
		mirror:    mirror,
		log:       common.ServiceLogger("rulestore", ""),
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the bbolt index handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ruleFilePath(version, operation, service string) string {
	return filepath.Join(s.rootDir, "RuleFolder."+version, operation, service+"-ControlNodeRules.ruleml.xml")
}

// Stage parses and persists a rule bundle to disk and the bbolt index,
// but does not make it visible to readers until Commit is called for
// its version. This is the "received" half of the rule-install flow.
func (s *Store) Stage(version, operation, service string, data []byte) error {
	bundle, err := ruleengine.ParseBundle(data)
	if err != nil {
		return err
	}
	k := key{Version: version, Operation: operation, Service: service}

	path := s.ruleFilePath(version, operation, service)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("rulestore: create rule dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("rulestore: write rule file: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(indexKey(k)), data)
	}); err != nil {
		return fmt.Errorf("rulestore: index rule file: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.Put(version, operation, service, data); err != nil {
			s.log.WithError(err).Warn("rule file mirror upload failed, continuing with local copy")
		}
	}

	s.mu.Lock()
	s.staged[k] = bundle
	s.mu.Unlock()
	return nil
}

// Commit atomically switches every staged bundle for version into the
// committed set and marks version as committed. Bundles for other
// versions are unaffected - this is the "received -> committed"
// switchover described in the spec, scoped to one version at a time.
func (s *Store) Commit(version string) (count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, bundle := range s.staged {
		if k.Version != version {
			continue
		}
		s.committed[k] = bundle
		delete(s.staged, k)
		count++
	}
	s.versions[version] = struct{}{}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(versionBucket).Put([]byte(version), []byte{1})
	}); err != nil {
		s.log.WithError(err).Warn("failed to persist version commitment, its bundles reload as staged on restart")
	}
	return count
}

// IsCommitted reports whether version has been committed at least once.
func (s *Store) IsCommitted(version string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.versions[version]
	return ok
}

// CommittedVersions returns every rule base version committed at least
// once, for admin introspection.
func (s *Store) CommittedVersions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.versions))
	for v := range s.versions {
		out = append(out, v)
	}
	return out
}

// Lookup returns the committed bundle for (version, operation, service),
// if any.
func (s *Store) Lookup(version, operation, service string) (*ruleengine.Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.committed[key{Version: version, Operation: operation, Service: service}]
	return b, ok
}

// Accepts reports whether a token naming (version, service, operation)
// should be admitted: the version must be committed and a bundle must
// exist for the pair.
func (s *Store) Accepts(version, operation, service string) bool {
	if !s.IsCommitted(version) {
		return false
	}
	_, ok := s.Lookup(version, operation, service)
	return ok
}

func (s *Store) loadFromDisk() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		versions := tx.Bucket(versionBucket)
		if err := versions.ForEach(func(k, _ []byte) error {
			s.versions[string(k)] = struct{}{}
			return nil
		}); err != nil {
			return err
		}

		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			parsedKey, err := parseIndexKey(string(k))
			if err != nil {
				return nil // skip unrecognized entries rather than fail startup
			}
			bundle, err := ruleengine.ParseBundle(v)
			if err != nil {
				return nil
			}
			if _, committed := s.versions[parsedKey.Version]; committed {
				s.committed[parsedKey] = bundle
			} else {
				s.staged[parsedKey] = bundle
			}
			return nil
		})
	})
}

func indexKey(k key) string {
	return k.Version + "\x00" + k.Operation + "\x00" + k.Service
}

func parseIndexKey(raw string) (key, error) {
	parts := splitN3(raw)
	if len(parts) != 3 {
		return key{}, fmt.Errorf("rulestore: malformed index key %q", raw)
	}
	return key{Version: parts[0], Operation: parts[1], Service: parts[2]}, nil
}

func splitN3(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
