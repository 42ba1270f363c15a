package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TranscriptStore finds where a session's transcript was uploaded.
type TranscriptStore interface {
	GetTranscriptKey(ctx context.Context, sessionID uuid.UUID) (string, error)
}

// Presigner issues temporary download links.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// TranscriptLinker hands out download links for archived chat transcripts.
type TranscriptLinker struct {
	store     TranscriptStore
	presigner Presigner
	bucket    string
	expires   time.Duration
}

// NewTranscriptLinker creates a linker.
func NewTranscriptLinker(store TranscriptStore, presigner Presigner, bucket string, expires time.Duration) *TranscriptLinker {
	return &TranscriptLinker{store: store, presigner: presigner, bucket: bucket, expires: expires}
}

// TranscriptURL returns a presigned link to the session transcript. ErrNotFound
// when the session was not archived or had no chat.
func (l *TranscriptLinker) TranscriptURL(ctx context.Context, sessionID uuid.UUID) (string, error) {
	key, err := l.store.GetTranscriptKey(ctx, sessionID)
	if err != nil {
		return "", err
	}
	url, err := l.presigner.GeneratePresignedDownloadURL(ctx, l.bucket, key, l.expires)
	if err != nil {
		return "", fmt.Errorf("presign transcript: %w", err)
	}
	return url, nil
}
