package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketKV    = "kv"
	bucketState = "state"
	bucketFlags = "flags"
	keySessions = "sessions"
	keyRules    = "rules"
	keyHistory  = "history"
	dbFileName  = "tasteshield.db"
	openTimeout = 5 * time.Second
	dataDirPerm = 0o750
	dbFilePerm  = 0o600
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/tasteshield.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, dataDirPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketKV, bucketState, bucketFlags} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Generic KV ------------------------------------------------------------

func (s *bboltStore) Get(key string, v interface{}) error {
	return s.get(bucketKV, key, v)
}

func (s *bboltStore) Set(key string, v interface{}) error {
	return s.put(bucketKV, key, v)
}

func (s *bboltStore) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKV)).Delete([]byte(key))
	})
}

// ---- Sessions --------------------------------------------------------------

func (s *bboltStore) LoadSessions() ([]model.ShieldSession, error) {
	var sessions []model.ShieldSession
	if err := s.get(bucketState, keySessions, &sessions); err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return sessions, nil
}

func (s *bboltStore) SaveSessions(sessions []model.ShieldSession) error {
	return s.put(bucketState, keySessions, sessions)
}

// ---- Rules -----------------------------------------------------------------

func (s *bboltStore) LoadRules() (RuleSet, error) {
	var rules RuleSet
	if err := s.get(bucketState, keyRules, &rules); err != nil && err != ErrNotFound {
		return RuleSet{}, fmt.Errorf("load rules: %w", err)
	}
	if rules.Tombstones == nil {
		rules.Tombstones = make(map[string]int64)
	}
	return rules, nil
}

func (s *bboltStore) SaveRules(rules RuleSet) error {
	return s.put(bucketState, keyRules, rules)
}

// ---- History ---------------------------------------------------------------

func (s *bboltStore) LoadHistory() ([]model.TrackPlayRecord, error) {
	var records []model.TrackPlayRecord
	if err := s.get(bucketState, keyHistory, &records); err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return records, nil
}

// SaveHistory persists records, truncated to HistoryCap. Callers pass newest first.
func (s *bboltStore) SaveHistory(records []model.TrackPlayRecord) error {
	if len(records) > HistoryCap {
		records = records[:HistoryCap]
	}
	return s.put(bucketState, keyHistory, records)
}

// ---- Flags -----------------------------------------------------------------

func (s *bboltStore) FlagIsSet(name string) (bool, error) {
	var set bool
	err := s.db.View(func(tx *bolt.Tx) error {
		set = tx.Bucket([]byte(bucketFlags)).Get([]byte(name)) != nil
		return nil
	})
	return set, err
}

func (s *bboltStore) SetFlag(name string) error {
	return s.put(bucketFlags, name, time.Now().UTC())
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

func (s *bboltStore) get(bucket, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		if err := msgpack.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *bboltStore) put(bucket, key string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}
