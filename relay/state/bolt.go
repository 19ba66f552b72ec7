// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

/*
The bolt backend lays events out across three buckets plus metadata:

meta/
|--> version -> '1' (raw byte, not JSON)
events/
|--> <event-id> -> JSON encoded event
time/
|--> <inverted-created_at><event-id> -> nil
replace/
|--> <pubkey>:<kind>:<d-value> -> <event-id of current version>

Keys in the time bucket invert created_at against MaxInt64 so a forward
cursor walks events newest-first.
*/

var (
	metaBucketName    = []byte("meta")
	metaVersionKey    = []byte("version")
	metaVersion       = []byte{'1'}
	eventsBucketName  = []byte("events")
	timeBucketName    = []byte("time")
	replaceBucketName = []byte("replace")
)

var stateJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// BoltStore persists events in a bbolt file. All methods are safe for
// concurrent access; bbolt serializes the writers.
type BoltStore struct {
	path   string
	db     *bbolt.DB
	logger hclog.Logger
}

// NewBoltStore creates or opens the event database at path.
func NewBoltStore(logger hclog.Logger, path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// Timeout to force failure when the data dir is already locked by
	// another relay process.
	opts := &bbolt.Options{Timeout: 5 * time.Second}

	db, err := bbolt.Open(path, 0600, opts)
	if err == bbolt.ErrTimeout {
		return nil, fmt.Errorf("timed out opening %s, is another relay process using it?", path)
	} else if err != nil {
		return nil, fmt.Errorf("opening event database: %w", err)
	}

	s := &BoltStore{
		path:   path,
		db:     db,
		logger: logger.Named("state"),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug("opened event database", "path", path)
	return s, nil
}

// init creates the buckets and pins the schema version.
func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if v := meta.Get(metaVersionKey); v == nil {
			if err := meta.Put(metaVersionKey, metaVersion); err != nil {
				return err
			}
		} else if !bytes.Equal(v, metaVersion) {
			return fmt.Errorf("event database %s has schema version %q, want %q",
				s.path, v, metaVersion)
		}
		for _, name := range [][]byte{eventsBucketName, timeBucketName, replaceBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Name() string { return "bolt" }

func (s *BoltStore) Close() error {
	s.logger.Debug("closing event database", "path", s.path)
	return s.db.Close()
}

func (s *BoltStore) TotalEvents() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(eventsBucketName).Stats().KeyN)
		return nil
	})
	return n, err
}

// timeKey builds the time bucket key: big-endian MaxInt64-created_at
// followed by the event id.
func timeKey(createdAt int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(math.MaxInt64-createdAt))
	copy(key[8:], id)
	return key
}

func (s *BoltStore) PutBatch(ctx context.Context, batch []*structs.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(eventsBucketName)
		times := tx.Bucket(timeBucketName)
		replaces := tx.Bucket(replaceBucketName)

		for _, e := range batch {
			if e == nil || e.Class() == structs.EventEphemeral {
				continue
			}
			if events.Get([]byte(e.ID)) != nil {
				continue
			}

			if key := e.ReplaceKey(); key != "" {
				if prevID := replaces.Get([]byte(key)); prevID != nil {
					var prev structs.Event
					if raw := events.Get(prevID); raw != nil {
						if err := stateJSON.Unmarshal(raw, &prev); err != nil {
							return fmt.Errorf("decoding stored event %s: %w", prevID, err)
						}
						if !e.Supersedes(&prev) {
							continue
						}
						if err := events.Delete(prevID); err != nil {
							return err
						}
						if err := times.Delete(timeKey(prev.CreatedAt, prev.ID)); err != nil {
							return err
						}
					}
				}
				if err := replaces.Put([]byte(key), []byte(e.ID)); err != nil {
					return err
				}
			}

			buf, err := stateJSON.Marshal(e)
			if err != nil {
				return fmt.Errorf("%w: encoding event %s: %v", ErrBadEvent, e.ID, err)
			}
			if err := events.Put([]byte(e.ID), buf); err != nil {
				return err
			}
			if err := times.Put(timeKey(e.CreatedAt, e.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*structs.Event, error) {
	var out *structs.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(eventsBucketName).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var ev structs.Event
		if err := stateJSON.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decoding stored event %s: %w", id, err)
		}
		out = &ev
		return nil
	})
	return out, err
}

func (s *BoltStore) Query(ctx context.Context, f *structs.Filter, limit int) (EventIterator, error) {
	var out []*structs.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = s.collect(ctx, tx, f, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{events: out}, nil
}

// collect materializes up to limit matches inside the read transaction so
// no bolt pages are referenced after it ends.
func (s *BoltStore) collect(ctx context.Context, tx *bbolt.Tx, f *structs.Filter, limit int) ([]*structs.Event, error) {
	events := tx.Bucket(eventsBucketName)

	if ids, ok := exactIDs(f); ok {
		out := make([]*structs.Event, 0, len(ids))
		for _, id := range ids {
			raw := events.Get([]byte(id))
			if raw == nil {
				continue
			}
			var ev structs.Event
			if err := stateJSON.Unmarshal(raw, &ev); err != nil {
				return nil, fmt.Errorf("decoding stored event %s: %w", id, err)
			}
			if f.Matches(&ev) {
				out = append(out, &ev)
			}
		}
		sortNewestFirst(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	cursor := tx.Bucket(timeBucketName).Cursor()

	k, _ := cursor.First()
	if f != nil && f.Until != nil {
		if *f.Until < 0 {
			return nil, nil
		}
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], uint64(math.MaxInt64-*f.Until))
		k, _ = cursor.Seek(prefix[:])
	}

	var sinceBound []byte
	if f != nil && f.Since != nil && *f.Since > 0 {
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], uint64(math.MaxInt64-*f.Since))
		sinceBound = prefix[:]
	}

	var out []*structs.Event
	var seen int
	for ; k != nil; k, _ = cursor.Next() {
		if seen++; seen%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		// Keys past the since bound are older than the window.
		if sinceBound != nil && bytes.Compare(k[:8], sinceBound) > 0 {
			break
		}
		raw := events.Get(k[8:])
		if raw == nil {
			continue
		}
		var ev structs.Event
		if err := stateJSON.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding stored event %s: %w", k[8:], err)
		}
		if f == nil || f.Matches(&ev) {
			out = append(out, &ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *BoltStore) Count(ctx context.Context, f *structs.Filter) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		matches, err := s.collect(ctx, tx, f, 0)
		if err != nil {
			return err
		}
		n = int64(len(matches))
		return nil
	})
	return n, err
}

func (s *BoltStore) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(eventsBucketName)
		raw := events.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var ev structs.Event
		if err := stateJSON.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decoding stored event %s: %w", id, err)
		}
		if err := events.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(timeBucketName).Delete(timeKey(ev.CreatedAt, ev.ID)); err != nil {
			return err
		}
		if key := ev.ReplaceKey(); key != "" {
			replaces := tx.Bucket(replaceBucketName)
			if cur := replaces.Get([]byte(key)); bytes.Equal(cur, []byte(id)) {
				if err := replaces.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

