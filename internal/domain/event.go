package domain

import (
	"strings"
	"time"
)

// EventType enumerates the customer interactions the pipeline accepts.
// Anything outside this set fails validation.
type EventType string

const (
	EventView          EventType = "view"
	EventPurchase      EventType = "purchase"
	EventAddToCart     EventType = "add_to_cart"
	EventAddToWishlist EventType = "add_to_wishlist"
	EventOrder         EventType = "order"
)

var knownEventTypes = map[EventType]bool{
	EventView:          true,
	EventPurchase:      true,
	EventAddToCart:     true,
	EventAddToWishlist: true,
	EventOrder:         true,
}

// Known reports whether t is one of the accepted event types.
func (t EventType) Known() bool { return knownEventTypes[t] }

// Transactional reports whether events of this type carry revenue.
// Purchases and orders do; browsing interactions don't.
func (t EventType) Transactional() bool {
	return t == EventPurchase || t == EventOrder
}

// PriceCategory is the coarse price bucket derived from the event price.
type PriceCategory string

const (
	PriceUnknown PriceCategory = "Unknown"
	PriceInvalid PriceCategory = "Invalid"
	PriceLow     PriceCategory = "Low"
	PriceMedium  PriceCategory = "Medium"
	PriceHigh    PriceCategory = "High"
)

// PriceCategoryFor buckets a price: under 50 is Low, under 200 is Medium,
// everything else High. Negative prices never survive validation but map to
// Invalid so the function is total.
func PriceCategoryFor(price float64) PriceCategory {
	switch {
	case price < 0:
		return PriceInvalid
	case price < 50:
		return PriceLow
	case price < 200:
		return PriceMedium
	default:
		return PriceHigh
	}
}

// DeviceType is the coarse device class derived from the session user agent.
type DeviceType string

const (
	DeviceMobile  DeviceType = "Mobile"
	DeviceTablet  DeviceType = "Tablet"
	DeviceDesktop DeviceType = "Desktop"
	DeviceUnknown DeviceType = "Unknown"
)

// DeviceTypeFor classifies a user-agent string by substring matching.
// Order matters: generic "Mobile" markers win over tablet markers, and
// anything with a user agent that matches nothing is assumed Desktop.
func DeviceTypeFor(userAgent string) DeviceType {
	switch {
	case userAgent == "":
		return DeviceUnknown
	case strings.Contains(userAgent, "Mobile"):
		return DeviceMobile
	case strings.Contains(userAgent, "Tablet") || strings.Contains(userAgent, "iPad"):
		return DeviceTablet
	case strings.Contains(userAgent, "Android") || strings.Contains(userAgent, "iPhone"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// Event is a single validated, normalized customer interaction ready for the
// durable store. Rows are immutable once persisted; replays only bump the
// store-side updated_at column.
type Event struct {
	EventID   string    `json:"event_id" db:"event_id"`
	EventType EventType `json:"event_type" db:"event_type"`

	ProductID   int64   `json:"product_id" db:"product_id"`
	ProductName string  `json:"product_name" db:"product_name"`
	Category    string  `json:"category" db:"category"`
	Brand       string  `json:"brand,omitempty" db:"brand"`
	SKU         string  `json:"sku,omitempty" db:"sku"`
	Price       float64 `json:"price" db:"price"`

	CustomerID      string `json:"customer_id" db:"customer_id"`
	CustomerEmail   string `json:"customer_email,omitempty" db:"customer_email"`
	CustomerName    string `json:"customer_name,omitempty" db:"customer_name"`
	CustomerAddress string `json:"customer_address,omitempty" db:"customer_address"`

	SessionID string `json:"session_id" db:"session_id"`
	UserAgent string `json:"user_agent,omitempty" db:"user_agent"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Derived at validation time, never taken from the source.
	PriceCategory PriceCategory `json:"price_category" db:"price_category"`
	DeviceType    DeviceType    `json:"device_type" db:"device_type"`

	EventTimestamp time.Time `json:"event_timestamp" db:"event_timestamp"`
}
