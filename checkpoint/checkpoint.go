package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
	jsoniter "github.com/json-iterator/go"
	"github.com/nutsdb/nutsdb"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigFastest
)

const bucket = "checkpoints"

// Checkpoint is where a named consumer has read up to, including that position.
type Checkpoint[P any] struct {
	Consumer string
	Position P
	SavedAt  time.Time
}

type stored struct {
	Position string    `json:"position"`
	SavedAt  time.Time `json:"saved_at"`
}

// Store keeps one serialized position per consumer. Positions of different sources
// need their own Store, the codec is not recorded.
type Store[P any] struct {
	db    *nutsdb.DB
	codec store.PositionCodec[P]
	clock func() time.Time
}

func Open[P any](dir string, codec store.PositionCodec[P]) (*Store[P], error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
	)
	if err != nil {
		return nil, fmt.Errorf("opening kv store %s: %w", dir, err)
	}
	err = createBucket(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint bucket in %s: %w", dir, err)
	}
	return &Store[P]{
		db:    db,
		codec: codec,
		clock: time.Now,
	}, nil
}

// createBucket is a no-op for an existing bucket.
func createBucket(db *nutsdb.DB) error {
	err := db.Update(func(tx *nutsdb.Tx) error {
		return tx.NewKVBucket(bucket)
	})
	if errors.Is(err, nutsdb.ErrBucketAlreadyExist) {
		return nil
	}
	return err
}

func (s *Store[P]) Close() error {
	return s.db.Close()
}

func (s *Store[P]) Save(consumer string, position P) error {
	b, err := json.Marshal(stored{
		Position: s.codec.SerializePosition(position),
		SavedAt:  s.clock().UTC(),
	})
	if err != nil {
		return err
	}
	log.Debug("saving checkpoint", "consumer", consumer, "checkpoint", string(b))
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(consumer), b, 0)
	})
}

// Load returns the saved checkpoint, ok is false when the consumer never saved one.
func (s *Store[P]) Load(consumer string) (c Checkpoint[P], ok bool, err error) {
	var data []byte
	err = s.db.View(func(tx *nutsdb.Tx) error {
		data, err = tx.Get(bucket, []byte(consumer))
		return err
	})
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("loading checkpoint %s: %w", consumer, err)
	}
	c, err = s.decode(consumer, data)
	if err != nil {
		return c, false, err
	}
	return c, true, nil
}

// LoadOr returns the saved position or fallback, typically the source's empty position.
func (s *Store[P]) LoadOr(consumer string, fallback P) (P, error) {
	c, ok, err := s.Load(consumer)
	if err != nil || !ok {
		return fallback, err
	}
	return c.Position, nil
}

func (s *Store[P]) Delete(consumer string) error {
	log.Debug("deleting checkpoint", "consumer", consumer)
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(bucket, []byte(consumer))
	})
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return nil
	}
	return err
}

// All reads every checkpoint at call time.
func (s *Store[P]) All() itr.ErrIterator[Checkpoint[P]] {
	var keys, values [][]byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		var err error
		keys, values, err = tx.GetAll(bucket)
		return err
	})
	if err != nil {
		return itr.Fail[Checkpoint[P]](fmt.Errorf("listing checkpoints: %w", err))
	}
	return func(yield func(Checkpoint[P], error) bool) {
		for i := range keys {
			c, err := s.decode(string(keys[i]), values[i])
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

func (s *Store[P]) decode(consumer string, data []byte) (c Checkpoint[P], err error) {
	var v stored
	err = json.Unmarshal(data, &v)
	if err != nil {
		return c, fmt.Errorf("decoding checkpoint %s: %w", consumer, err)
	}
	p, err := s.codec.DeserializePosition(v.Position)
	if err != nil {
		return c, fmt.Errorf("decoding checkpoint %s: %w", consumer, err)
	}
	return Checkpoint[P]{
		Consumer: consumer,
		Position: p,
		SavedAt:  v.SavedAt,
	}, nil
}
