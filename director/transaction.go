package director

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// UnitOfWork is one database transaction plus the work that must happen only
// once it has committed.
type UnitOfWork struct {
	Tx *gorm.DB

	hooks    []afterCommitHook
	hookKeys map[string]struct{}
	held     map[string]struct{}
	releases []func()
	released bool
}

type afterCommitHook struct {
	key string
	fn  func(ctx context.Context)
}

// AfterCommit registers fn to run after a successful commit. Hooks sharing a
// key run once. Nothing runs if the transaction rolls back.
func (u *UnitOfWork) AfterCommit(key string, fn func(ctx context.Context)) {
	if _, ok := u.hookKeys[key]; ok {
		return
	}
	u.hookKeys[key] = struct{}{}
	u.hooks = append(u.hooks, afterCommitHook{key: key, fn: fn})
}

// holds reports whether this unit already owns the named in-process lock.
func (u *UnitOfWork) holds(name string) bool {
	_, ok := u.held[name]
	return ok
}

// onRelease attaches an in-process lock to the unit. It is released when the
// transaction ends, whatever the outcome.
func (u *UnitOfWork) onRelease(name string, release func()) {
	u.held[name] = struct{}{}
	u.releases = append(u.releases, release)
}

func (u *UnitOfWork) release() {
	if u.released {
		return
	}
	u.released = true
	for i := len(u.releases) - 1; i >= 0; i-- {
		u.releases[i]()
	}
}

func (u *UnitOfWork) flush(ctx context.Context) {
	for _, hook := range u.hooks {
		runHook(ctx, hook)
	}
}

func runHook(ctx context.Context, hook afterCommitHook) {
	defer func() {
		if r := recover(); r != nil {
			ErrorLogger(LogHolder{Target: hook.key, Message: fmt.Sprintf("after-commit hook panicked: %v", r)})
		}
	}()
	hook.fn(ctx)
}

// RunInTransaction runs fn inside a database transaction. If fn returns nil
// and the commit succeeds, the hooks fn registered run in registration order.
// On any error the transaction rolls back and the hooks are discarded.
func RunInTransaction(ctx context.Context, db *gorm.DB, fn func(uow *UnitOfWork) error) error {
	uow := &UnitOfWork{
		hookKeys: map[string]struct{}{},
		held:     map[string]struct{}{},
	}
	defer uow.release()

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		uow.Tx = tx
		return fn(uow)
	})
	uow.release()
	if err != nil {
		if len(uow.hooks) > 0 {
			DebugLogger(LogHolder{Message: fmt.Sprintf("transaction rolled back, discarding %d after-commit hooks", len(uow.hooks))})
		}
		return err
	}

	uow.flush(ctx)
	return nil
}
