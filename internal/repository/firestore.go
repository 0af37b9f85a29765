package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// firestoreTask is the stored document. Data holds the JSON-encoded task;
// the other fields exist for queries.
type firestoreTask struct {
	State      string     `firestore:"state"`
	CreatedAt  time.Time  `firestore:"created_at"`
	FinishedAt *time.Time `firestore:"finished_at"`
	Data       string     `firestore:"data"`
}

// FirestoreStore persists tasks as documents in one collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

func NewFirestoreStore(ctx context.Context, projectID, collection string, logger *slog.Logger) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &FirestoreStore{client: client, collection: collection, logger: logger}, nil
}

func (s *FirestoreStore) ref(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func toFirestore(t *entity.Task) (firestoreTask, error) {
	data, err := encodeTask(t)
	if err != nil {
		return firestoreTask{}, err
	}
	doc := firestoreTask{State: string(t.State), CreatedAt: t.CreatedAt.UTC(), Data: string(data)}
	if t.FinishedAt != nil {
		ts := t.FinishedAt.UTC()
		doc.FinishedAt = &ts
	}
	return doc, nil
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*entity.Task, error) {
	var doc firestoreTask
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode firestore task %s: %w", snap.Ref.ID, err)
	}
	return decodeTask([]byte(doc.Data))
}

func (s *FirestoreStore) Create(ctx context.Context, task *entity.Task) error {
	doc, err := toFirestore(task)
	if err != nil {
		return err
	}
	if _, err := s.ref(task.ID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return alreadyExists(task.ID)
		}
		s.logger.Error("repository.firestore.create.failed", "task_id", task.ID, "error", err)
		return dbError(fmt.Sprintf("create task %s", task.ID), err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*entity.Task, error) {
	snap, err := s.ref(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(id)
		}
		return nil, dbError(fmt.Sprintf("get task %s", id), err)
	}
	return fromSnapshot(snap)
}

func (s *FirestoreStore) Update(ctx context.Context, id string, fn func(*entity.Task) error) (*entity.Task, error) {
	var out *entity.Task
	ref := s.ref(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return notFound(id)
			}
			return err
		}
		t, err := fromSnapshot(snap)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		doc, err := toFirestore(t)
		if err != nil {
			return err
		}
		out = t
		return tx.Set(ref, doc)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FirestoreStore) List(ctx context.Context, filter ListFilter) ([]*entity.Task, error) {
	q := s.client.Collection(s.collection).Query
	if len(filter.States) > 0 {
		q = q.Where("state", "in", stateStrings(filter.States))
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*entity.Task
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, dbError("list tasks", err)
		}
		t, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (s *FirestoreStore) Evict(ctx context.Context, before time.Time) (int, error) {
	iter := s.client.Collection(s.collection).Where("finished_at", "<", before.UTC()).Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return n, dbError("evict tasks", err)
		}
		t, err := fromSnapshot(snap)
		if err != nil || !evictable(t, before) {
			continue
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			s.logger.Warn("repository.firestore.evict.failed", "task_id", snap.Ref.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
