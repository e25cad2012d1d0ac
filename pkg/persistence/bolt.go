package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var snapshotsBucket = []byte("snapshots")

// BoltStore keeps snapshots in a single bbolt file. It trades the SQL
// surface for a one-file embedded deployment; the coordinator treats both
// stores identically.
type BoltStore struct {
	db *bolt.DB
}

var _ SnapshotStore = &BoltStore{}

func NewBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt snapshot store: empty path")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "bolt snapshot store: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bolt snapshot store: ensure bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Save(ctx context.Context, convID string, data []byte) error {
	if s == nil || s.db == nil {
		return errors.New("bolt snapshot store: db is nil")
	}
	if convID == "" {
		return errors.New("bolt snapshot store: convID is empty")
	}
	if len(data) == 0 {
		return errors.New("bolt snapshot store: empty payload")
	}
	_ = ctx

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		if b == nil {
			return errors.New("bucket missing")
		}
		return b.Put([]byte(convID), data)
	})
	return errors.Wrap(err, "bolt snapshot store: save")
}

func (s *BoltStore) Load(ctx context.Context, convID string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("bolt snapshot store: db is nil")
	}
	if convID == "" {
		return nil, false, errors.New("bolt snapshot store: convID is empty")
	}
	_ = ctx

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		if b == nil {
			return errors.New("bucket missing")
		}
		v := b.Get([]byte(convID))
		if v == nil {
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "bolt snapshot store: load")
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

func (s *BoltStore) List(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("bolt snapshot store: db is nil")
	}
	_ = ctx

	ids := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		if b == nil {
			return errors.New("bucket missing")
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt snapshot store: list")
	}
	return ids, nil
}
