package database

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

type hooksKey struct{}

// commitHooks collects the callbacks registered inside one transaction or
// savepoint. They are handed to the enclosing scope when it succeeds and
// dropped when it rolls back.
type commitHooks struct {
	fns []func()
}

// WithTx returns a context carrying tx. Repositories resolve their handle
// through FromContext so they join the caller's transaction.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction carried by ctx, or fallback when there
// is none.
func FromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return fallback.WithContext(ctx)
}

// InTx runs fn inside a transaction. When ctx already carries one, fn runs in
// a savepoint of it, so an error from fn only rolls back its own writes.
func InTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	parent, _ := ctx.Value(hooksKey{}).(*commitHooks)
	hooks := &commitHooks{}
	ctx = context.WithValue(ctx, hooksKey{}, hooks)

	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		if err := tx.Transaction(func(sp *gorm.DB) error {
			return fn(WithTx(ctx, sp))
		}); err != nil {
			return err
		}
		if parent != nil {
			parent.fns = append(parent.fns, hooks.fns...)
		}
		return nil
	}

	if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(WithTx(ctx, tx))
	}); err != nil {
		return err
	}
	for _, hook := range hooks.fns {
		hook()
	}
	return nil
}

// AfterCommit runs fn once the outermost transaction carried by ctx commits.
// It is discarded when that transaction, or any savepoint between it and
// ctx, rolls back. Without a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	hooks, ok := ctx.Value(hooksKey{}).(*commitHooks)
	if !ok || !InTransaction(ctx) {
		fn()
		return
	}
	hooks.fns = append(hooks.fns, fn)
}

// InTransaction reports whether ctx carries a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}
