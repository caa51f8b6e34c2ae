package stock

import (
	"fmt"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
)

// CheckInvariants verifies the per-unit lifecycle rules on freshly loaded rows:
// a sold unit carries a sale timestamp, holds no reservation and is never deleted.
func CheckInvariants(items ...models.StockItem) error {
	for _, item := range items {
		if !item.Sold {
			continue
		}
		var problem string
		switch {
		case item.SoldAt == nil:
			problem = "sold without sold_at"
		case item.ReservedUntil != nil:
			problem = "sold while reserved"
		case item.DeletedAt.Valid:
			problem = "sold unit deleted"
		}
		if problem != "" {
			return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("stock invariant violated: %s", problem)).
				WithDetails(map[string]any{"stock_id": item.ID.String()})
		}
	}
	return nil
}
