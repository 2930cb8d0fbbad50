package cache

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore-backed store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestorePresenceStore is a PresenceStore backed by a Firestore collection, one document
// per key. It suits small deployments where a dedicated Redis instance is overkill.
type FirestorePresenceStore[K comparable, V any] struct {
	client     *firestore.Client
	collection string
}

// NewFirestorePresenceStore creates a new FirestorePresenceStore. The store takes
// ownership of client and closes it on Close.
func NewFirestorePresenceStore[K comparable, V any](
	client *firestore.Client,
	cfg *FirestoreConfig,
) (*FirestorePresenceStore[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name cannot be empty")
	}
	return &FirestorePresenceStore[K, V]{
		client:     client,
		collection: cfg.CollectionName,
	}, nil
}

// Set creates or overwrites the document for key.
func (s *FirestorePresenceStore[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	_, err := s.client.Collection(s.collection).Doc(stringKey).Set(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to set presence in firestore for key %s: %w", stringKey, err)
	}
	return nil
}

// Fetch retrieves the document for key and maps it to the value type.
func (s *FirestorePresenceStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := s.client.Collection(s.collection).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("key '%s': %w", stringKey, ErrNotFound)
		}
		return zero, fmt.Errorf("firestore get failed for key %s: %w", stringKey, err)
	}
	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal presence data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes the document. A missing document is not an error.
func (s *FirestorePresenceStore[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := fmt.Sprintf("%v", key)
	_, err := s.client.Collection(s.collection).Doc(stringKey).Delete(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for key %s: %w", stringKey, err)
	}
	return nil
}

// Close releases the Firestore client.
func (s *FirestorePresenceStore[K, V]) Close() error {
	return s.client.Close()
}
