// Package lock implements the per-deal run lock. It is advisory: a caller
// that finds the lock held gets false back immediately and is expected to
// back off, never to wait.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTTL = 10 * time.Minute

// ErrLost is returned when a lease was taken over after expiring.
var ErrLost = errors.New("run lock lost")

type Locker struct {
	DB  *sql.DB
	TTL time.Duration
	Now func() time.Time
}

// Lease is a held lock. Only the holder of the token can extend or release it.
type Lease struct {
	DealID    string
	Owner     string
	Token     string
	ExpiresAt time.Time

	locker Locker
}

func (l Locker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Locker) ttl() time.Duration {
	if l.TTL > 0 {
		return l.TTL
	}
	return DefaultTTL
}

// TryAcquire takes the lock for dealID if it is free or its previous lease
// expired. The insert and the expiry check are a single statement, so two
// concurrent callers cannot both win.
func (l Locker) TryAcquire(ctx context.Context, dealID, owner string) (*Lease, bool, error) {
	now := l.now().UTC()
	expires := now.Add(l.ttl())
	token := uuid.NewString()
	res, err := l.DB.ExecContext(ctx, `INSERT INTO run_locks(deal_id,owner_id,token,acquired_at,expires_at) VALUES (?,?,?,?,?)
ON CONFLICT(deal_id) DO UPDATE SET owner_id=excluded.owner_id, token=excluded.token, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE run_locks.expires_at <= ?`,
		dealID, owner, token, now.UnixMilli(), expires.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock %s: %w", dealID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	return &Lease{DealID: dealID, Owner: owner, Token: token, ExpiresAt: expires, locker: l}, true, nil
}

// Extend pushes the lease expiry forward by the locker TTL.
func (le *Lease) Extend(ctx context.Context) error {
	expires := le.locker.now().UTC().Add(le.locker.ttl())
	res, err := le.locker.DB.ExecContext(ctx, `UPDATE run_locks SET expires_at=? WHERE deal_id=? AND token=?`,
		expires.UnixMilli(), le.DealID, le.Token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLost
	}
	le.ExpiresAt = expires
	return nil
}

// KeepAlive extends the lease every third of the locker TTL until stop is
// called or ctx ends. If an extension fails, lost is called once and renewal
// stops. stop waits for the renewer to exit and is safe to call twice.
func (le *Lease) KeepAlive(ctx context.Context, lost func(error)) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(le.locker.ttl() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := le.Extend(ctx); err != nil {
					if ctx.Err() == nil {
						lost(err)
					}
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}

// Release drops the lease. Releasing a lease that was already taken over is
// a no-op.
func (le *Lease) Release(ctx context.Context) error {
	_, err := le.locker.DB.ExecContext(ctx, `DELETE FROM run_locks WHERE deal_id=? AND token=?`, le.DealID, le.Token)
	return err
}

// Holder reports the current owner of an unexpired lock.
func (l Locker) Holder(ctx context.Context, dealID string) (string, bool, error) {
	var owner string
	err := l.DB.QueryRowContext(ctx, `SELECT owner_id FROM run_locks WHERE deal_id=? AND expires_at > ?`, dealID, l.now().UTC().UnixMilli()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

// With runs fn while holding the lock and releases it on every exit path,
// including a panic in fn. It returns false without calling fn when the lock
// is held elsewhere.
func (l Locker) With(ctx context.Context, dealID, owner string, fn func(context.Context, *Lease) error) (bool, error) {
	lease, ok, err := l.TryAcquire(ctx, dealID, owner)
	if err != nil || !ok {
		return false, err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return true, fn(ctx, lease)
}
