package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClaimed means another worker holds the dispatch claim for a step.
var ErrClaimed = errors.New("step dispatch already claimed")

// DispatchGuard coordinates step dispatch across processes and remembers
// what was delivered.
type DispatchGuard interface {
	Claim(ctx context.Context, enrollmentID int64, stepOrder int) (token string, err error)
	Release(ctx context.Context, enrollmentID int64, stepOrder int, token string) error
	StoreSent(ctx context.Context, recordID, remoteMessageID string, sentAt time.Time) error
}

// NopGuard is used when Redis is not configured. In-process locking and
// the store's unique constraints still apply.
type NopGuard struct{}

func (NopGuard) Claim(context.Context, int64, int) (string, error)          { return "", nil }
func (NopGuard) Release(context.Context, int64, int, string) error          { return nil }
func (NopGuard) StoreSent(context.Context, string, string, time.Time) error { return nil }
