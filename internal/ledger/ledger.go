// Package ledger persists accounts, positions, tax lots and transactions.
//
// The primary ledger and the per-competition event ledger share one schema
// shape and one Store contract; the engine is written once against it and
// instantiated per ledger. PostgreSQL is the source of truth; the in-memory
// implementation backs tests.
package ledger

import (
	"context"
	"errors"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned for missing accounts, positions and instruments
// regardless of backend.
var ErrNotFound = errors.New("ledger: not found")

// Store is one ledger namespace. InTx runs fn inside a single transaction:
// either every mutation commits or none does.
type Store interface {
	// Name labels the ledger ("primary", "event") in logs and metrics.
	Name() string

	InTx(ctx context.Context, fn func(tx Tx) error) error

	// AccountIDForUser resolves the account reference consumed by the
	// engine. scopeID is the event id on the event ledger, empty on the
	// primary ledger.
	AccountIDForUser(ctx context.Context, userID, scopeID string) (string, error)

	GetAccount(ctx context.Context, accountID string) (model.Account, error)
	GetPosition(ctx context.Context, positionID string) (model.Position, error)
	ListPositions(ctx context.Context, accountID string, openOnly bool) ([]model.Position, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)

	// ListDueSquareOffs selects leveraged open positions whose square-off is
	// due: pending, or failed with fewer than maxAttempts attempts.
	ListDueSquareOffs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.Position, error)

	// ListStaleSquareOffs selects open positions stuck IN_PROGRESS since
	// before the cutoff. A claim that old means the closer died mid-flight;
	// the sweep resets these to FAILED so they are retried or surface to an
	// operator instead of being orphaned.
	ListStaleSquareOffs(ctx context.Context, before time.Time, limit int) ([]model.Position, error)
}

// Tx is the transactional view. The ForUpdate reads take row locks so that
// concurrent orders against the same account or position serialize; two
// sells can never both observe the same available quantity.
type Tx interface {
	AccountForUpdate(ctx context.Context, accountID string) (model.Account, error)
	UpdateAccountFunds(ctx context.Context, accountID string, cash, usedMargin decimal.Decimal) error

	OpenPositionForUpdate(ctx context.Context, accountID, instrumentToken string, product types.Product) (model.Position, error)
	PositionForUpdate(ctx context.Context, positionID string) (model.Position, error)
	CreatePosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p model.Position) error

	// OpenLots returns lots with remaining quantity, oldest first.
	OpenLots(ctx context.Context, positionID string) ([]model.PositionLot, error)
	CreateLot(ctx context.Context, lot *model.PositionLot) error
	UpdateLotRemaining(ctx context.Context, lotID string, remaining int64) error

	CreateTransaction(ctx context.Context, t *model.Transaction) error
}
