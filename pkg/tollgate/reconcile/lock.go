package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/database"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// Locker grants a named, database-wide mutex for the duration of fn.
// Acquisition never waits: a held lock returns errs.ErrLockBusy without
// calling fn. The lock is released when fn returns, whatever it returns.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// NewLocker picks the lock primitive for db's dialect. ttl bounds how long a
// lock-table row survives a crashed holder.
func NewLocker(db *gorm.DB, ttl time.Duration) Locker {
	switch database.Dialect(db) {
	case database.DialectPostgres:
		return &sessionLocker{
			db:      db,
			acquire: "SELECT pg_try_advisory_lock(hashtext(?))::int",
			release: "SELECT pg_advisory_unlock(hashtext(?))",
		}
	case database.DialectMySQL:
		return &sessionLocker{
			db:      db,
			acquire: "SELECT GET_LOCK(?, 0)",
			release: "SELECT RELEASE_LOCK(?)",
		}
	default:
		return NewTableLocker(db, ttl)
	}
}

// sessionLocker uses session-scoped advisory locks. The acquiring connection
// is pinned for the whole run since the lock belongs to it.
type sessionLocker struct {
	db      *gorm.DB
	acquire string
	release string
}

func (l *sessionLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		// 1 when granted. GET_LOCK returns NULL on error.
		var granted sql.NullInt64
		if err := conn.Raw(l.acquire, name).Row().Scan(&granted); err != nil {
			return fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if !granted.Valid || granted.Int64 != 1 {
			return errs.ErrLockBusy
		}
		defer conn.WithContext(context.WithoutCancel(ctx)).Exec(l.release, name)
		return fn(ctx)
	})
}

// TableLocker emulates advisory locks with a row per held lock in
// job_locks. It serves SQLite, which has no named locks.
type TableLocker struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewTableLocker creates a TableLocker. A row older than ttl is considered
// abandoned and may be taken over.
func NewTableLocker(db *gorm.DB, ttl time.Duration) *TableLocker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TableLocker{db: db, ttl: ttl, now: time.Now}
}

// WithLock implements Locker.
func (l *TableLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	now := l.now().UTC()
	db := l.db.WithContext(ctx)

	if err := db.Where("name = ? AND expires_at < ?", name, now).Delete(&models.JobLock{}).Error; err != nil {
		return fmt.Errorf("clear stale lock %s: %w", name, err)
	}
	row := models.JobLock{Name: name, Holder: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
	if err := db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.ErrLockBusy
		}
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	defer l.db.WithContext(context.WithoutCancel(ctx)).
		Where("name = ? AND holder = ?", name, row.Holder).
		Delete(&models.JobLock{})

	return fn(ctx)
}
