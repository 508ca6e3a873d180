package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/scanwatch/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreHistory writes one document per processing attempt, keyed by the
// attempt ID so a retried write never duplicates an entry.
type FirestoreHistory struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreHistory(client *firestore.Client, collection string) *FirestoreHistory {
	return &FirestoreHistory{client: client, collection: collection}
}

func (h *FirestoreHistory) RecordAttempt(ctx context.Context, attempt models.Attempt) error {
	if attempt.AttemptID == "" {
		return fmt.Errorf("attempt has no ID")
	}
	if _, err := h.client.Collection(h.collection).Doc(attempt.AttemptID).Set(ctx, attempt); err != nil {
		return fmt.Errorf("failed to write attempt %s: %w", attempt.AttemptID, err)
	}
	return nil
}

// RecentAttempts returns the latest attempts for sourcePath, newest first.
func (h *FirestoreHistory) RecentAttempts(ctx context.Context, sourcePath string, limit int) ([]models.Attempt, error) {
	docs, err := h.client.Collection(h.collection).
		Where("sourcePath", "==", sourcePath).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts for %s: %w", sourcePath, err)
	}
	attempts := make([]models.Attempt, 0, len(docs))
	for _, doc := range docs {
		var a models.Attempt
		if err := doc.DataTo(&a); err != nil {
			return nil, fmt.Errorf("failed to decode attempt %s: %w", doc.Ref.ID, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func (h *FirestoreHistory) Close() error {
	return h.client.Close()
}
