package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/roomsync/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.roomsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	tokenKey         = []byte("token")
	watermarksBucket = []byte("watermarks")
)

// State wraps a bbolt database holding the session token and the
// per-scope read watermarks. Cached items are not persisted.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.roomsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(watermarksBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached portal token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the portal token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// Watermark returns the read watermark of a scope. A scope that was never
// marked read yields the zero watermark.
func (s *State) Watermark(scopeID string) (models.Watermark, error) {
	var w models.Watermark

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(watermarksBucket).Get([]byte(scopeID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &w)
	})
	if err != nil {
		return models.Watermark{}, fmt.Errorf("reading watermark of %q: %w", scopeID, err)
	}

	return w, nil
}

// SetWatermark stores the read watermark of a scope. Storing the zero
// watermark removes the entry.
func (s *State) SetWatermark(scopeID string, w models.Watermark) error {
	if scopeID == "" {
		return fmt.Errorf("watermark scope id is empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(watermarksBucket)

		if w.IsZero() {
			return b.Delete([]byte(scopeID))
		}

		data, err := json.Marshal(w)
		if err != nil {
			return err
		}

		return b.Put([]byte(scopeID), data)
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing the session token) might end up
		// with wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".roomsync", "state.db")
}
