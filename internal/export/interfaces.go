package export

import (
	"context"
	"io"
	"time"
)

// Session is one authenticated conversation with the remote content service.
// Implementations keep their own cookies and bearer token.
type Session interface {
	Login(ctx context.Context, username, password string) (string, error)
	ExchangeSession(ctx context.Context, token string) error
	CheckAccess(ctx context.Context) AccessResult
	RequestVerificationCode(ctx context.Context) error
	SubmitVerificationCode(ctx context.Context, kind VerificationKind, code string) error
	FetchItem(ctx context.Context, id int64) (Item, error)
	FetchComments(ctx context.Context, id int64, page int) (CommentPage, error)
	FetchAttachment(ctx context.Context, id int64) ([]byte, error)
	ListStarred(ctx context.Context, page int) (StarredPage, error)
}

// SessionFactory opens fresh remote sessions, one per job.
type SessionFactory interface {
	NewSession() Session
}

// Limiter gates outbound remote calls.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// AttachmentCache stores shared attachments, writing each key at most once.
type AttachmentCache interface {
	Has(key string) bool
	Put(key string, data []byte) error
	Path(key string) string
	Open(key string) (io.ReadCloser, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
