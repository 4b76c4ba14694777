// Package store keeps a persistent record of finished sessions in a bbolt
// database. Keys never leave the session: a record holds only their length
// and a fingerprint.
package store

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/alan-christopher/bb84sim/bb84"
)

const (
	recordsBucket = "sessions"
	metaBucket    = "meta"
	versionKey    = "version"
	version       = 1
)

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic("store: cbor options: " + err.Error())
	}
	return em
}()

// ErrNotFound is returned by Get for an unknown session ID.
var ErrNotFound = errors.New("store: no such session")

// Record is the persisted summary of one session.
type Record struct {
	ID      string    `cbor:"id"`
	Created time.Time `cbor:"created"`

	NumSlots         int     `cbor:"slots"`
	SampleSize       int     `cbor:"sample_size"`
	ChannelNoiseRate float64 `cbor:"noise"`
	InterceptRate    float64 `cbor:"intercept,omitempty"`
	MaxErrorRate     float64 `cbor:"max_error"`
	Hash             string  `cbor:"hash"`
	LengthPolicy     string  `cbor:"policy"`
	Seed             *int64  `cbor:"seed,omitempty"`

	Outcome    string  `cbor:"outcome"`
	Reason     string  `cbor:"reason"`
	SiftedLen  int     `cbor:"sifted"`
	Sampled    int     `cbor:"sampled"`
	Mismatches int     `cbor:"mismatches"`
	ErrorRate  float64 `cbor:"error_rate"`
	UpperBound float64 `cbor:"upper_bound"`

	MessagesSent int `cbor:"messages"`
	BytesSent    int `cbor:"bytes"`
	Intercepted  int `cbor:"intercepted,omitempty"`

	KeyBits        int    `cbor:"key_bits"`
	KeyFingerprint []byte `cbor:"key_fp,omitempty"`
}

// Finalized reports whether the session produced a key.
func (r Record) Finalized() bool {
	return r.Outcome == bb84.KeyFinalized.String()
}

// NewRecord summarises res, which was produced by a session configured with
// cfg, as of now.
func NewRecord(cfg bb84.Config, res bb84.Result, now time.Time) Record {
	r := Record{
		ID:               res.ID,
		Created:          now.UTC(),
		NumSlots:         cfg.NumSlots,
		SampleSize:       cfg.SampleSize,
		ChannelNoiseRate: cfg.ChannelNoiseRate,
		InterceptRate:    cfg.InterceptRate,
		MaxErrorRate:     cfg.MaxErrorRate,
		Hash:             cfg.Hash,
		LengthPolicy:     cfg.LengthPolicy,
		Seed:             cfg.Seed,
		Outcome:          res.Outcome.String(),
		Reason:           res.Reason.String(),
		SiftedLen:        res.SiftedLen,
		Sampled:          res.Check.SampleSize,
		Mismatches:       res.Check.Mismatches,
		ErrorRate:        res.Check.ErrorRate,
		UpperBound:       res.Check.UpperBound,
		MessagesSent:     res.Stats.MessagesSent,
		BytesSent:        res.Stats.BytesSent,
		Intercepted:      res.Stats.Intercepted,
		KeyBits:          res.Key.Size(),
	}
	if res.Key.Size() > 0 {
		fp := blake2b.Sum256(res.Key.Data())
		r.KeyFingerprint = fp[:8]
	}
	return r
}

// Store is a bbolt backed session record store. It is safe for concurrent
// use.
type Store struct {
	sync.Mutex

	db *bolt.DB
}

// Open opens, creating if necessary, the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := db.Update(s.init); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
	if err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
		return err
	}
	if b := meta.Get([]byte(versionKey)); b != nil {
		if len(b) != 1 || b[0] != version {
			return fmt.Errorf("store: incompatible version: %v", b)
		}
		return nil
	}
	return meta.Put([]byte(versionKey), []byte{version})
}

// Put writes r, replacing any record with the same ID.
func (s *Store) Put(r Record) error {
	if r.ID == "" {
		return errors.New("store: record has no ID")
	}
	b, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", r.ID, err)
	}
	s.Lock()
	defer s.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).Put([]byte(r.ID), b)
	})
}

// Get returns the record of session id, or ErrNotFound.
func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket)).Get([]byte(id))
		if b == nil {
			return ErrNotFound
		}
		return decode(b, &r)
	})
	return r, err
}

// List returns every record, oldest first.
func (s *Store) List() ([]Record, error) {
	var rs []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).ForEach(func(k, v []byte) error {
			var r Record
			if err := decode(v, &r); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			rs = append(rs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Created.Before(rs[j].Created)
	})
	return rs, nil
}

func decode(b []byte, r *Record) error {
	if err := cbor.Unmarshal(b, r); err != nil {
		return fmt.Errorf("store: decoding record: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrorRateString formats an error rate, which is NaN for an empty sample.
func ErrorRateString(rate float64) string {
	if math.IsNaN(rate) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", rate)
}
