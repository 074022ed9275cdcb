// Package query wraps the mongo driver with the few operations the stores
// need. Every call is timed, slow calls are logged and, with checkIndex on,
// reads that would scan a whole collection are refused.
package query

import (
	"fmt"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/domain"
)

var (
	// ErrNotFound is mongo document not found error
	ErrNotFound = fmt.Errorf("document not found")

	// ErrDuplicateKey is an error when violating unique index
	ErrDuplicateKey = fmt.Errorf("duplicate key")

	// ErrCollScan is error for unindexed query
	ErrCollScan = fmt.Errorf("COLLSCAN is not allowed")
)

type patchOp struct {
	patchMany bool
}

// PatchOp is an alias for functional argument
type PatchOp func(*patchOp)

// WithPatchMany patches every matched document instead of the first one
func WithPatchMany(patchMany bool) PatchOp {
	return func(o *patchOp) {
		o.patchMany = patchMany
	}
}

// Index is a secondary index of a table. Keys are field names, a "-" prefix
// makes the key descending.
type Index struct {
	Keys   []string
	Unique bool
}

// Mongo abstract the mongo layer.
type Mongo interface {
	// Insert returns ErrDuplicateKey if a unique index is violated
	Insert(c ctx.Ctx, table domain.Table, doc interface{}) error

	// FindOne returns ErrNotFound if nothing matches
	FindOne(c ctx.Ctx, table domain.Table, selector, result interface{}) error

	Count(c ctx.Ctx, table domain.Table, selector interface{}) (int, error)

	// Distinct returns the distinct values of field among the matched documents
	Distinct(c ctx.Ctx, table domain.Table, field string, selector interface{}) ([]interface{}, error)

	// Replace swaps the document matched by selector. Putting a version in the
	// selector makes it a compare and swap: ErrNotFound then means the document
	// is gone or was changed.
	Replace(c ctx.Ctx, table domain.Table, selector, replacement interface{}) error

	// Search reads the matched documents ordered by sort, e.g. []string{"endTime", "-_id"}.
	// A zero limit reads everything.
	Search(c ctx.Ctx, table domain.Table, offset, limit int, sort []string, selector, results interface{}) error

	// Patch $sets update on the first matched document, or all of them with
	// WithPatchMany(true). Returns ErrNotFound if nothing matches.
	Patch(c ctx.Ctx, table domain.Table, selector, update interface{}, ops ...PatchOp) error

	// EnsureIndexes creates the missing indexes of the table
	EnsureIndexes(c ctx.Ctx, table domain.Table, indexes []Index) error
}
