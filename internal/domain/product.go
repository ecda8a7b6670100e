package domain

import "github.com/shopspring/decimal"

// Product is the catalog view of a sellable item. Stock is owned by the inventory ledger,
// Stock here is only the seed value used when the ledger is initialised.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int32           `json:"stock"`
}
