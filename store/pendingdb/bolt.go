// Package pendingdb is the durable key-value store for the sync engine:
// the pending payment confirmation record and a small set of session flags.
// Everything else the engine holds is in-memory and rebuilt from the server;
// this store is what survives a reload.
package pendingdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a record or flag does not exist.
var ErrNotFound = errors.New("pendingdb: not found")

var (
	bucketPending = []byte("pending")
	bucketFlags   = []byte("flags")
)

// pendingKey is the storage slot for the confirmation record. There is at
// most one externally-initiated payment per session, so the record is a
// singleton rather than a keyed set.
var pendingKey = []byte("current")

// Well-known flag names.
const (
	// FlagPaymentReturn marks that the user just returned from the external
	// payment flow; the scheduler grants one rate-limit bypass for it.
	FlagPaymentReturn = "payment_return"
)

// DB is the bbolt-backed record store.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database file at path, creating buckets as needed.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketFlags} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened pendingdb", "path", path)
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// PutPending persists the confirmation record, overwriting any previous one.
// Callers persist before issuing the verification call, so a crash between
// the two always leaves a resumable record.
func (d *DB) PutPending(rec *PendingConfirmation) error {
	if !rec.State.Valid() {
		return fmt.Errorf("invalid state %q", rec.State)
	}
	if rec.Version == 0 {
		rec.Version = RecordVersion
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Put(pendingKey, data)
	})
}

// GetPending returns the persisted confirmation record, or ErrNotFound.
func (d *DB) GetPending() (*PendingConfirmation, error) {
	var data []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketPending).Get(pendingKey); v != nil {
			data = append([]byte(nil), v...)
			return nil
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}

	var rec PendingConfirmation
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if rec.Version > RecordVersion {
		return nil, fmt.Errorf("record version %d newer than supported %d", rec.Version, RecordVersion)
	}
	return &rec, nil
}

// DeletePending removes the confirmation record. Deleting an absent record
// is not an error.
func (d *DB) DeletePending() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(pendingKey)
	})
}

// SetFlag sets a named session flag.
func (d *DB) SetFlag(name string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFlags).Put([]byte(name), []byte{1})
	})
}

// Flag reports whether the named flag is set.
func (d *DB) Flag(name string) (bool, error) {
	var set bool
	err := d.db.View(func(tx *bbolt.Tx) error {
		set = tx.Bucket(bucketFlags).Get([]byte(name)) != nil
		return nil
	})
	return set, err
}

// ClearFlag removes the named flag.
func (d *DB) ClearFlag(name string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFlags).Delete([]byte(name))
	})
}

// TakeFlag atomically reads and clears the named flag, returning whether it
// was set. Used for one-shot signals like FlagPaymentReturn.
func (d *DB) TakeFlag(name string) (bool, error) {
	var set bool
	err := d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFlags)
		if bucket.Get([]byte(name)) != nil {
			set = true
			return bucket.Delete([]byte(name))
		}
		return nil
	})
	return set, err
}
