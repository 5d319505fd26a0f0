// Package audit keeps a short-lived, append-only trail of payment events that
// did not change state the normal way: rejected signatures, conflicting
// results and settlements.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Kind classifies an audit record.
type Kind string

const (
	KindVerificationFailed Kind = "verification_failed"
	KindConflict           Kind = "conflict"
	KindSettled            Kind = "settled"
	KindInconclusive       Kind = "inconclusive"
	KindExpired            Kind = "expired"
)

const defaultTTL = 72 * time.Hour

// Record is one audited event.
type Record struct {
	OrderID   string            `json:"order_id"`
	Kind      Kind              `json:"kind"`
	Source    string            `json:"source"`
	Detail    string            `json:"detail,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists audit records in badger with a per-record TTL.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Open opens the store in dir. An empty dir keeps everything in memory.
func Open(dir string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20).
		WithMemTableSize(8 << 20).
		WithSyncWrites(true).
		WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	return &Store{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}, nil
}

func recordKey(orderID string, at time.Time, kind Kind) []byte {
	// Format: "audit_<orderID>_<unixnano>_<kind>"
	return []byte(fmt.Sprintf("audit_%s_%020d_%s", orderID, at.UnixNano(), kind))
}

// Append writes a record stamped with the current time when CreatedAt is zero.
func (s *Store) Append(rec Record) error {
	if rec.OrderID == "" {
		return errors.New("audit: record without order id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(recordKey(rec.OrderID, rec.CreatedAt, rec.Kind), data).WithTTL(s.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("failed to store audit record: %w", err)
	}

	s.logger.Debug("Audit record stored",
		zap.String("order_id", rec.OrderID),
		zap.String("kind", string(rec.Kind)),
	)
	return nil
}

// ForOrder returns the records of one order, oldest first.
func (s *Store) ForOrder(orderID string) ([]Record, error) {
	var records []Record

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("audit_" + orderID + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.logger.Warn("Skipping unreadable audit record", zap.Error(err))
				continue
			}
			if rec.OrderID != orderID {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RunGC reclaims value log space left by expired records.
func (s *Store) RunGC() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		return err
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
