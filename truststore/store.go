package truststore

import (
	"encoding/json"
	"log/slog"
	"maps"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/utilitywarehouse/repo-mirror/internal/lock"
	"github.com/utilitywarehouse/repo-mirror/internal/utils"
)

var (
	// ErrUntrusted is returned when a host identity is rejected by the policy
	ErrUntrusted = errors.New("host identity is not trusted")
	// ErrPersistence marks failures to write the store to disk. The approval
	// it was part of is still held in memory.
	ErrPersistence = errors.New("unable to persist trust store")
)

const defaultFileMode = 0600

type storeFile struct {
	Hosts map[string]string `json:"hosts"`
}

// Store is the set of trusted host fingerprints backed by a json file.
// A Store is safe for concurrent use by multiple goroutines.
type Store struct {
	lock  lock.Mutex // guards both hosts and the file write
	path  string
	hosts map[string]string
	log   *slog.Logger
}

// New creates empty store which will be persisted to the given path
func New(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		path:  path,
		hosts: make(map[string]string),
		log:   log,
	}
}

// Load reads the store from given path. A missing or corrupt file is not
// fatal, it is logged and an empty store is returned.
func Load(path string, log *slog.Logger) *Store {
	s := New(path, log)

	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Info("unable to read trust store, starting with empty store", "path", path, "err", err)
		return s
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Warn("unable to parse trust store, starting with empty store", "path", path, "err", err)
		return s
	}

	for host, fp := range f.Hosts {
		if host == "" || fp == "" {
			continue
		}
		s.hosts[host] = fp
	}
	s.log.Debug("trust store loaded", "path", path, "hosts", len(s.hosts))
	return s
}

// Check returns true iff a record exists for the host with exactly the
// given fingerprint.
func (s *Store) Check(host, fingerprint string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	fp, ok := s.hosts[host]
	return ok && fp == fingerprint
}

// lookup returns current fingerprint of the host if known
func (s *Store) lookup(host string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	fp, ok := s.hosts[host]
	return fp, ok
}

// Approve records fingerprint for the host replacing any previous one and
// writes the complete store to disk. If the write fails the record is kept
// in memory and an error marked with ErrPersistence is returned.
func (s *Store) Approve(host, fingerprint string) error {
	if host == "" || fingerprint == "" {
		return errors.New("host and fingerprint are required")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.log.Info("trusting host", "host", host, "fingerprint", fingerprint)
	s.hosts[host] = fingerprint

	return s.persist()
}

// Flush writes the store to disk
func (s *Store) Flush() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.persist()
}

// persist must be called with lock held
func (s *Store) persist() error {
	data, err := json.Marshal(storeFile{Hosts: s.hosts})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "unable to encode trust store"), ErrPersistence)
	}
	if err := utils.WriteFileAtomic(s.path, data, defaultFileMode); err != nil {
		return errors.Mark(errors.Wrapf(err, "unable to write trust store %s", s.path), ErrPersistence)
	}
	return nil
}

// Hosts returns copy of all the trusted hosts and their fingerprints
func (s *Store) Hosts() map[string]string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return maps.Clone(s.hosts)
}

// JSON returns the store in the same format it is persisted in
func (s *Store) JSON() ([]byte, error) {
	return json.MarshalIndent(storeFile{Hosts: s.Hosts()}, "", "  ")
}
