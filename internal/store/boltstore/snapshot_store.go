package boltstore

import (
	"encoding/json"
	"fmt"
	"time"

	"concord/internal/gateway"
	"concord/internal/syncer"

	bolt "go.etcd.io/bbolt"
)

// Ensure SnapshotStore implements syncer.SnapshotStore at compile time.
var _ syncer.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore persists the canonical moderation snapshot. The whole
// snapshot is replaced in a single transaction, so a torn write can never be
// observed by a subsequent Load.
type SnapshotStore struct {
	db *bolt.DB
}

// Load reads the full snapshot. A store with no prior data yields an empty
// snapshot, never an error.
func (s *SnapshotStore) Load() (syncer.Snapshot, error) {
	snap := syncer.NewSnapshot()

	err := s.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(BucketBans); bucket != nil {
			if err := bucket.ForEach(func(k, v []byte) error {
				snap.Bans[gateway.UserID(k)] = true
				return nil
			}); err != nil {
				return err
			}
		}

		if bucket := tx.Bucket(BucketTimeouts); bucket != nil {
			if err := bucket.ForEach(func(k, v []byte) error {
				t, err := time.Parse(time.RFC3339Nano, string(v))
				if err != nil {
					return fmt.Errorf("failed to parse timeout for %s: %w", k, err)
				}
				snap.Timeouts[gateway.UserID(k)] = t
				return nil
			}); err != nil {
				return err
			}
		}

		if bucket := tx.Bucket(BucketMutes); bucket != nil {
			if err := bucket.ForEach(func(k, v []byte) error {
				var ms syncer.MuteState
				if err := json.Unmarshal(v, &ms); err != nil {
					return fmt.Errorf("failed to unmarshal mute state for %s: %w", k, err)
				}
				snap.Mutes[gateway.UserID(k)] = ms
				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return syncer.Snapshot{}, err
	}

	return snap, nil
}

// Replace overwrites the entire persisted snapshot atomically.
func (s *SnapshotStore) Replace(snap syncer.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{BucketBans, BucketTimeouts, BucketMutes} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("failed to reset bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		bans := tx.Bucket(BucketBans)
		for user, banned := range snap.Bans {
			if !banned {
				continue
			}
			if err := bans.Put([]byte(user), []byte{1}); err != nil {
				return err
			}
		}

		timeouts := tx.Bucket(BucketTimeouts)
		for user, until := range snap.Timeouts {
			if err := timeouts.Put([]byte(user), []byte(until.Format(time.RFC3339Nano))); err != nil {
				return err
			}
		}

		mutes := tx.Bucket(BucketMutes)
		for user, ms := range snap.Mutes {
			data, err := json.Marshal(ms)
			if err != nil {
				return fmt.Errorf("failed to marshal mute state: %w", err)
			}
			if err := mutes.Put([]byte(user), data); err != nil {
				return err
			}
		}

		return nil
	})
}
