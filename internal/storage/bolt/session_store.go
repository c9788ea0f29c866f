package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

// Create stores a new session at version 1.
func (s *sessionStore) Create(ctx context.Context, rec session.Record) (session.Record, error) {
	if rec.ID == "" {
		return session.Record{}, fmt.Errorf("session id is required")
	}
	rec.Version = 1

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket.Get([]byte(rec.ID)) != nil {
			return storage.ErrExists
		}

		if rec.InvoiceID != "" {
			invoices := tx.Bucket([]byte(bucketIndexes)).Bucket([]byte(bucketIndexInvoice))
			if invoices.Get([]byte(rec.InvoiceID)) != nil {
				return storage.ErrExists
			}
			if err := invoices.Put([]byte(rec.InvoiceID), []byte(rec.ID)); err != nil {
				return err
			}
		}

		data, err := marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(rec.ID), data)
	})
	if err != nil {
		return session.Record{}, err
	}
	return rec, nil
}

// Get retrieves a session by id.
func (s *sessionStore) Get(ctx context.Context, id string) (*session.Record, error) {
	return getBucketValue[session.Record](ctx, s.db, bucketSessions, id)
}

// GetByInvoice retrieves the session created for an invoice.
func (s *sessionStore) GetByInvoice(ctx context.Context, invoiceID string) (*session.Record, error) {
	var rec session.Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		invoices := tx.Bucket([]byte(bucketIndexes)).Bucket([]byte(bucketIndexInvoice))
		id := invoices.Get([]byte(invoiceID))
		if id == nil {
			return storage.ErrNotFound
		}
		data := tx.Bucket([]byte(bucketSessions)).Get(id)
		if data == nil {
			return storage.ErrNotFound
		}
		return unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update writes rec when its version matches the stored one.
func (s *sessionStore) Update(ctx context.Context, rec session.Record) (session.Record, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketSessions))
		data := bucket.Get([]byte(rec.ID))
		if data == nil {
			return storage.ErrNotFound
		}

		var current session.Record
		if err := unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != rec.Version {
			return storage.ErrConflict
		}

		// Invoice association is fixed at creation.
		rec.InvoiceID = current.InvoiceID
		rec.Version = current.Version + 1

		newData, err := marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(rec.ID), newData)
	})
	if err != nil {
		return session.Record{}, err
	}
	return rec, nil
}

// ListByStatus returns all sessions in status, oldest first.
func (s *sessionStore) ListByStatus(ctx context.Context, status session.Status) ([]session.Record, error) {
	recs, err := listBucket(ctx, s.db, bucketSessions, func(r session.Record) bool {
		return r.Status == status
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessions(recs)
	return recs, nil
}

// List returns every session, oldest first.
func (s *sessionStore) List(ctx context.Context) ([]session.Record, error) {
	recs, err := listBucket[session.Record](ctx, s.db, bucketSessions, nil)
	if err != nil {
		return nil, err
	}
	storage.SortSessions(recs)
	return recs, nil
}
