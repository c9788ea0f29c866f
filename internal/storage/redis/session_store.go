package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// Create stores a new session at version 1
func (s *sessionStore) Create(ctx context.Context, rec session.Record) (session.Record, error) {
	if rec.ID == "" {
		return session.Record{}, fmt.Errorf("session id is required")
	}
	rec.Version = 1

	hasInvoice := "0"
	invKey := invoiceKey("-")
	if rec.InvoiceID != "" {
		hasInvoice = "1"
		invKey = invoiceKey(rec.InvoiceID)
	}

	args := []any{rec.ID, hasInvoice, rec.CreatedAt.UnixMilli(), sessionKeyPrefix}
	args = append(args, sessionFields(rec)...)

	result, err := redis.NewScript(createSessionScript).Run(ctx, s.client, []string{
		sessionKey(rec.ID),
		statusSetKey(rec.Status),
		invKey,
		allSessionsKey,
	}, args...).Text()
	if err != nil {
		return session.Record{}, fmt.Errorf("failed to create session: %w", err)
	}
	if result == "EXISTS" {
		return session.Record{}, storage.ErrExists
	}

	return rec, nil
}

// Get retrieves a session by id
func (s *sessionStore) Get(ctx context.Context, id string) (*session.Record, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return parseSession(data)
}

// GetByInvoice retrieves the session created for an invoice
func (s *sessionStore) GetByInvoice(ctx context.Context, invoiceID string) (*session.Record, error) {
	id, err := s.client.Get(ctx, invoiceKey(invoiceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice session: %w", err)
	}

	rec, err := s.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// The session expired; release the invoice for a new activation.
		s.client.Del(ctx, invoiceKey(invoiceID))
	}
	return rec, err
}

// Update writes rec when its version matches the stored one
func (s *sessionStore) Update(ctx context.Context, rec session.Record) (session.Record, error) {
	expected := rec.Version

	current, err := s.Get(ctx, rec.ID)
	if err != nil {
		return session.Record{}, err
	}
	// Invoice association is fixed at creation.
	rec.InvoiceID = current.InvoiceID
	rec.Version = expected + 1

	retention := int64(0)
	if rec.Status.Terminal() {
		retention = int64(terminalRetention.Seconds())
	}

	hasInvoice := "0"
	invKey := invoiceKey("-")
	if rec.InvoiceID != "" {
		hasInvoice = "1"
		invKey = invoiceKey(rec.InvoiceID)
	}

	args := []any{rec.ID, strconv.FormatInt(expected, 10), statusSetPrefix, string(rec.Status), retention, hasInvoice}
	args = append(args, sessionFields(rec)...)

	result, err := redis.NewScript(updateSessionScript).Run(ctx, s.client, []string{
		sessionKey(rec.ID),
		statusSetKey(rec.Status),
		invKey,
	}, args...).Text()
	if err != nil {
		return session.Record{}, fmt.Errorf("failed to update session: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return session.Record{}, storage.ErrNotFound
	case "CONFLICT":
		return session.Record{}, storage.ErrConflict
	}
	return rec, nil
}

// ListByStatus returns all sessions in status, oldest first
func (s *sessionStore) ListByStatus(ctx context.Context, status session.Status) ([]session.Record, error) {
	ids, err := s.client.SMembers(ctx, statusSetKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", status, err)
	}
	recs, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Index entries can outlive a record that changed status meanwhile.
	filtered := recs[:0]
	for _, rec := range recs {
		if rec.Status == status {
			filtered = append(filtered, rec)
		}
	}
	storage.SortSessions(filtered)
	return filtered, nil
}

// List returns every session, oldest first
func (s *sessionStore) List(ctx context.Context) ([]session.Record, error) {
	ids, err := s.client.ZRange(ctx, allSessionsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	recs, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	storage.SortSessions(recs)
	return recs, nil
}

func (s *sessionStore) fetchAll(ctx context.Context, ids []string) ([]session.Record, error) {
	if len(ids) == 0 {
		return []session.Record{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	recs := make([]session.Record, 0, len(ids))
	var gone []string
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		rec, err := parseSession(data)
		if errors.Is(err, storage.ErrNotFound) {
			gone = append(gone, ids[i])
			continue
		}
		if err != nil {
			// Malformed entries are skipped
			continue
		}
		recs = append(recs, *rec)
	}

	if len(gone) > 0 {
		s.prune(ctx, gone)
	}
	return recs, nil
}

// prune drops index entries for sessions whose hash has expired.
func (s *sessionStore) prune(ctx context.Context, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, allSessionsKey, members...)
	for _, status := range session.AllStatuses {
		pipe.SRem(ctx, statusSetKey(status), members...)
	}
	_, _ = pipe.Exec(ctx)
}
