package domain

import "time"

// ReservationStatus represents the state of a stock reservation
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a temporary hold on stock of a single product
type Reservation struct {
	Token     string
	OrderID   string
	ProductID string
	Quantity  int32
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpiredAt checks if the reservation has expired at the given moment
func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// StockInfo contains stock information for a product
type StockInfo struct {
	ProductID string `json:"product_id"`
	Total     int32  `json:"total"`    // physical stock, decremented on commit
	Reserved  int32  `json:"reserved"` // held by open reservations
}

// Available returns the available stock (total - reserved)
func (s StockInfo) Available() int32 {
	return s.Total - s.Reserved
}
