// Package validate turns raw source records into typed events, collecting
// every rule failure instead of stopping at the first one so a rejected
// record's report names everything wrong with it.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/ecommerce-ingest/internal/domain"
)

// Rule names double as prometheus label values and quality-report
// breakdown keys, so they stay lowercase snake_case.
const (
	RuleMissingField     = "missing_field"
	RuleInvalidEventType = "invalid_event_type"
	RuleInvalidProductID = "invalid_product_id"
	RuleInvalidPrice     = "invalid_price"
	RulePriceAboveLimit  = "price_above_limit"
	RuleBadTimestamp     = "bad_timestamp"
	RuleFutureTimestamp  = "future_timestamp"
	RuleInvalidEmail     = "invalid_email"
)

// requiredFields are checked in this order so violation lists are stable.
var requiredFields = []string{
	"event_id",
	"event_type",
	"product_id",
	"product_name",
	"category",
	"price",
	"customer_id",
	"session_id",
	"event_timestamp",
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// timestampLayouts covers the producer's ISO format with and without a zone.
// Zoneless timestamps are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Violation is a single failed rule on a single record.
type Violation struct {
	Rule   string `json:"rule"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (v Violation) String() string {
	if v.Detail != "" {
		return fmt.Sprintf("%s(%s): %s", v.Rule, v.Field, v.Detail)
	}
	return fmt.Sprintf("%s(%s)", v.Rule, v.Field)
}

// Validator holds the tunable limits. The zero value is not usable; use New.
type Validator struct {
	maxPrice   float64
	futureSkew time.Duration
	now        func() time.Time
}

// New returns a Validator with the given price ceiling and timestamp skew
// tolerance.
func New(maxPrice float64, futureSkew time.Duration) *Validator {
	return &Validator{
		maxPrice:   maxPrice,
		futureSkew: futureSkew,
		now:        time.Now,
	}
}

// Validate checks one record against every rule. On success it returns the
// normalized, typed event with derived fields filled in; on failure it
// returns nil and the full set of violations. Pure over its input, so calls
// are safe to run concurrently.
func (v *Validator) Validate(rec domain.RawRecord) (*domain.Event, []Violation) {
	var violations []Violation

	for _, name := range requiredFields {
		if rec.Field(name) == "" {
			violations = append(violations, Violation{Rule: RuleMissingField, Field: name})
		}
	}

	eventType := domain.EventType(strings.ToLower(rec.Field("event_type")))
	if rec.Field("event_type") != "" && !eventType.Known() {
		violations = append(violations, Violation{
			Rule:   RuleInvalidEventType,
			Field:  "event_type",
			Detail: string(eventType),
		})
	}

	var productID int64
	if raw := rec.Field("product_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			violations = append(violations, Violation{
				Rule:   RuleInvalidProductID,
				Field:  "product_id",
				Detail: raw,
			})
		} else {
			productID = id
		}
	}

	var price float64
	if raw := rec.Field("price"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil || p <= 0:
			violations = append(violations, Violation{
				Rule:   RuleInvalidPrice,
				Field:  "price",
				Detail: raw,
			})
		case p > v.maxPrice:
			violations = append(violations, Violation{
				Rule:   RulePriceAboveLimit,
				Field:  "price",
				Detail: raw,
			})
		default:
			price = p
		}
	}

	var eventTime time.Time
	if raw := rec.Field("event_timestamp"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			violations = append(violations, Violation{
				Rule:   RuleBadTimestamp,
				Field:  "event_timestamp",
				Detail: raw,
			})
		} else if ts.After(v.now().Add(v.futureSkew)) {
			violations = append(violations, Violation{
				Rule:   RuleFutureTimestamp,
				Field:  "event_timestamp",
				Detail: raw,
			})
		} else {
			eventTime = ts
		}
	}

	// Email is optional, but a present email must look like an address.
	email := strings.ToLower(rec.Field("customer_email"))
	if email != "" && !emailRegex.MatchString(email) {
		violations = append(violations, Violation{Rule: RuleInvalidEmail, Field: "customer_email"})
	}

	if len(violations) > 0 {
		return nil, violations
	}

	userAgent := rec.Field("user_agent")
	return &domain.Event{
		EventID:         rec.Field("event_id"),
		EventType:       eventType,
		ProductID:       productID,
		ProductName:     rec.Field("product_name"),
		Category:        rec.Field("category"),
		Brand:           rec.Field("brand"),
		SKU:             rec.Field("sku"),
		Price:           price,
		CustomerID:      rec.Field("customer_id"),
		CustomerEmail:   email,
		CustomerName:    rec.Field("customer_name"),
		CustomerAddress: rec.Field("customer_address"),
		SessionID:       rec.Field("session_id"),
		UserAgent:       userAgent,
		IPAddress:       rec.Field("ip_address"),
		PriceCategory:   domain.PriceCategoryFor(price),
		DeviceType:      domain.DeviceTypeFor(userAgent),
		EventTimestamp:  eventTime.UTC(),
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
