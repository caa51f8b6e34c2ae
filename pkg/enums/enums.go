// Package enums holds the closed string sets persisted by the stock engine.
package enums

import (
	"fmt"
	"slices"
)

func parse[T ~string](kind, value string, valid []T) (T, error) {
	if i := slices.Index(valid, T(value)); i >= 0 {
		return valid[i], nil
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q", kind, value)
}
