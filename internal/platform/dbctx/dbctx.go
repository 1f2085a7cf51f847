// Package dbctx bundles a request/job-scoped context.Context with an
// optional in-flight transaction, the way every repo method in this
// codebase expects to receive its call-scoped state.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries cancellation/deadline (Ctx) alongside an optional
// transaction handle (Tx). Repos fall back to their own *gorm.DB when
// Tx is nil.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction, suitable for
// top-level calls outside a request/job scope (e.g. recovery sweeps).
func Background() Context {
	return Context{Ctx: context.Background()}
}

// WithContext returns a copy of dbc with a different Ctx.
func (dbc Context) WithContext(ctx context.Context) Context {
	dbc.Ctx = ctx
	return dbc
}

// WithTx returns a copy of dbc pinned to tx, for callers composing a
// multi-statement transaction out of several repo calls.
func (dbc Context) WithTx(tx *gorm.DB) Context {
	dbc.Tx = tx
	return dbc
}
