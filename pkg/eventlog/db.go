package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DB is one object's on-disk event log: a bbolt database holding one
// bucket per event type, keyed by a sortable timestamp prefix so
// pruning can cursor forward from the oldest entry.
type DB struct {
	path string
	bolt *bolt.DB
}

func objectDir(storagePath, objType, objUUID string) string {
	return filepath.Join(storagePath, "events", objType, objUUID)
}

// Open opens (creating if absent) objUUID's event database under
// storagePath, and its `.lock` marker file used by the pruner to
// discover prune targets without opening every object's database.
func Open(storagePath, objType, objUUID string) (*DB, error) {
	dir := objectDir(storagePath, objType, objUUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	lockMarker := filepath.Join(dir, ".lock")
	if f, err := os.OpenFile(lockMarker, os.O_CREATE|os.O_EXCL, 0o644); err == nil {
		f.Close()
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock marker: %w", err)
	}

	b, err := bolt.Open(filepath.Join(dir, "log.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	if err := b.Update(func(tx *bolt.Tx) error {
		for _, et := range EventTypes {
			if _, err := tx.CreateBucketIfNotExists([]byte(et)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Close()
		return nil, err
	}

	return &DB{path: dir, bolt: b}, nil
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

// eventKey sorts ascending by timestamp with a suffix (WriteEvent passes
// the bucket's sequence number) to break ties between events recorded
// in the same instant.
func eventKey(timestamp float64, suffix string) []byte {
	return []byte(fmt.Sprintf("%020.6f-%s", timestamp, suffix))
}

// WriteEvent appends one event to objType/objUUID's eventType bucket.
// Unknown event types are stored under HistoricEventType, matching the
// legacy-drain behavior in spec.md §4.7 for entries with no recognized
// type.
func (d *DB) WriteEvent(eventType string, timestamp float64, fqdn string, duration float64, message string, extra map[string]any) error {
	if !isKnownEventType(eventType) {
		eventType = HistoricEventType
	}

	ev := Event{
		EventType: eventType,
		Timestamp: timestamp,
		FQDN:      fqdn,
		Duration:  duration,
		Message:   message,
		Extra:     extra,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventType))
		if b == nil {
			var err error
			if b, err = tx.CreateBucket([]byte(eventType)); err != nil {
				return err
			}
		}
		key := eventKey(timestamp, fmt.Sprintf("%d", b.Sequence()))
		if err := b.SetSequence(b.Sequence() + 1); err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// PruneOldEvents deletes every eventType entry older than
// beforeTimestamp and returns how many were removed.
func (d *DB) PruneOldEvents(beforeTimestamp float64, eventType string) (int, error) {
	threshold := eventKey(beforeTimestamp, "")
	count := 0

	err := d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventType))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(threshold) {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}
