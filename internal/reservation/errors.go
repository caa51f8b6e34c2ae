package reservation

import (
	"errors"

	"github.com/google/uuid"

	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

// errClaimRace marks a claim that updated fewer rows than it selected. The
// transaction is rolled back and retried.
var errClaimRace = errors.New("claimed fewer units than selected")

// ErrOutOfStock reports that fewer units are available than requested.
func ErrOutOfStock(productID uuid.UUID, requested int, available int64) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeOutOfStock, "insufficient stock for product").
		WithDetails(map[string]any{
			"product_id": productID.String(),
			"requested":  requested,
			"available":  available,
		})
}

// ErrContention reports storage contention that outlasted the retry budget.
func ErrContention(productID uuid.UUID, cause error) *pkgerrors.Error {
	return pkgerrors.Wrap(pkgerrors.CodeContention, cause, "product stock is busy").
		WithDetails(map[string]any{"product_id": productID.String()})
}
