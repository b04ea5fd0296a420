package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket    = []byte("app")
	sessionKey   = []byte("session")
	mirrorBucket = []byte("mirror")
)

// CachedSession is the last session the daemon ran with. It lets a
// restart resume without the user supplying credentials again.
type CachedSession struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// MirrorMessage is one stored chat message.
type MirrorMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
}

// MirrorRequest is one stored pending friend request.
type MirrorRequest struct {
	From       string `json:"from"`
	ReceivedAt string `json:"received_at"`
}

// Mirror is a best-effort copy of one user's chat model. It is written
// periodically and never read back into a live session; the REST
// snapshot is always authoritative.
type Mirror struct {
	Contacts []string                   `json:"contacts"`
	Blocked  []string                   `json:"blocked"`
	Pending  []MirrorRequest            `json:"pending"`
	Messages map[string][]MirrorMessage `json:"messages"`
	SavedAt  time.Time                  `json:"saved_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// directory if they do not exist. config.DefaultStateDB supplies the
// usual path.
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

		_, err := tx.CreateBucketIfNotExists(mirrorBucket)

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

// Session returns the cached session, or nil if none is stored.
func (s *State) Session() (*CachedSession, error) {
	var cs *CachedSession

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		cs = &CachedSession{}

		return json.Unmarshal(v, cs)
	})

	return cs, err
}

// SetSession persists the session for the next start.
func (s *State) SetSession(cs CachedSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cs)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// ClearSession removes the cached session. Called on logout so a
// restart does not resume an evicted session.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sessionKey)
	})
}

// GetMirror returns the stored mirror for a user, or nil if not found.
func (s *State) GetMirror(username string) (*Mirror, error) {
	var m *Mirror

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mirrorBucket).Get([]byte(username))
		if v == nil {
			return nil
		}

		m = &Mirror{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// SetMirror replaces the stored mirror for a user.
func (s *State) SetMirror(username string, m Mirror) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return tx.Bucket(mirrorBucket).Put([]byte(username), data)
	})
}

// DeleteMirror removes the stored mirror for a user.
func (s *State) DeleteMirror(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mirrorBucket).Delete([]byte(username))
	})
}

// MirrorUsers returns the usernames that have a stored mirror, in key order.
func (s *State) MirrorUsers() ([]string, error) {
	var users []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mirrorBucket).ForEach(func(k, _ []byte) error {
			users = append(users, string(k))
			return nil
		})
	})

	return users, err
}
