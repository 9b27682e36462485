package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "visualiser_export_locks"

// FirestoreStore shares reservations between instances, so a visitor whose requests
// land on different instances still has one export in flight.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore uses collection, or visualiser_export_locks when empty.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

type lockDoc struct {
	Fingerprint string    `firestore:"fingerprint"`
	Done        bool      `firestore:"done"`
	ReplyStatus int       `firestore:"reply_status,omitempty"`
	ReplyType   string    `firestore:"reply_type,omitempty"`
	ReplyBody   []byte    `firestore:"reply_body,omitempty"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

func (d lockDoc) entry() entry {
	return entry{
		Fingerprint: d.Fingerprint,
		Done:        d.Done,
		Reply:       Reply{Status: d.ReplyStatus, ContentType: d.ReplyType, Body: d.ReplyBody},
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(docID(key))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Reply, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(key)
	var (
		outcome Outcome
		reply   Reply
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var stored lockDoc
			if err := snap.DataTo(&stored); err != nil {
				return err
			}
			if e := stored.entry(); e.live(now) {
				outcome, reply, err = e.outcome(fingerprint)
				return err
			}
		}
		outcome, reply = Acquired, Reply{}
		return tx.Set(ref, lockDoc{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl).UTC()})
	})
	return outcome, reply, err
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(key)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var stored lockDoc
			if err := snap.DataTo(&stored); err != nil {
				return err
			}
			if stored.Fingerprint != fingerprint {
				return ErrKeyReused
			}
		}
		return tx.Set(ref, lockDoc{
			Fingerprint: fingerprint,
			Done:        true,
			ReplyStatus: reply.Status,
			ReplyType:   reply.ContentType,
			ReplyBody:   reply.Body,
			ExpiresAt:   now.Add(ttl).UTC(),
		})
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}
