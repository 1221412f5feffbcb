// Package stock exposes the stock item registry, an externally owned store of
// chemical and administrative items with live quantities. This service reads
// current quantities and applies atomic decrements; item master data is
// managed elsewhere.
package stock

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind selects which registry table an item lives in.
type Kind string

const (
	// KindChemical covers laboratory chemicals.
	KindChemical Kind = "chemical"
	// KindAdminItem covers administrative store items.
	KindAdminItem Kind = "admin_item"
)

// ParseKind validates a kind string.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindChemical, KindAdminItem:
		return Kind(value), nil
	}
	return "", fmt.Errorf("stock: unknown kind %q", value)
}

// Item is a registry row as seen by this service.
type Item struct {
	ID       int64
	Kind     Kind
	Name     string
	Quantity decimal.Decimal
	Unit     string
}

// ErrItemNotFound indicates the registry holds no such item.
var ErrItemNotFound = errors.New("stock: item not found")
