package stock

import (
	"github.com/google/uuid"

	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

// ErrStockNotFound reports an unknown or deleted stock id.
func ErrStockNotFound(id uuid.UUID) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "stock item not found").
		WithDetails(map[string]any{"stock_id": id.String()})
}

// ErrDuplicateCredentials reports a credentials collision within a product.
func ErrDuplicateCredentials(productID uuid.UUID) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeDuplicateCredentials, "credentials already exist for product").
		WithDetails(map[string]any{"product_id": productID.String()})
}

// ErrInvalidState reports an illegal lifecycle transition.
func ErrInvalidState(id uuid.UUID, reason string) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, reason).
		WithDetails(map[string]any{"stock_id": id.String()})
}
