package domain

import "testing"

func TestPriceCategoryFor(t *testing.T) {
	cases := []struct {
		price float64
		want  PriceCategory
	}{
		{-5, PriceInvalid},
		{0, PriceLow},
		{49.99, PriceLow},
		{50, PriceMedium},
		{199.99, PriceMedium},
		{200, PriceHigh},
		{9999.99, PriceHigh},
	}
	for _, c := range cases {
		if got := PriceCategoryFor(c.price); got != c.want {
			t.Errorf("PriceCategoryFor(%v) = %s, want %s", c.price, got, c.want)
		}
	}
}

func TestDeviceTypeFor(t *testing.T) {
	cases := []struct {
		ua   string
		want DeviceType
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 14_0) Mobile/15E148", DeviceMobile},
		// "Mobile" marker outranks the tablet markers
		{"Mozilla/5.0 (Linux; Android 11; Tablet) Mobile Safari", DeviceMobile},
		{"Mozilla/5.0 (iPad; CPU OS 14_0 like Mac OS X)", DeviceTablet},
		{"Mozilla/5.0 (Linux; Android 11; SM-T870 Tablet)", DeviceTablet},
		{"Mozilla/5.0 (Linux; Android 11; SM-G991B)", DeviceMobile},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", DeviceDesktop},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", DeviceDesktop},
		{"curl/7.79.1", DeviceDesktop},
		{"", DeviceUnknown},
	}
	for _, c := range cases {
		if got := DeviceTypeFor(c.ua); got != c.want {
			t.Errorf("DeviceTypeFor(%q) = %s, want %s", c.ua, got, c.want)
		}
	}
}

func TestEventTypeKnown(t *testing.T) {
	for _, et := range []EventType{EventView, EventPurchase, EventAddToCart, EventAddToWishlist, EventOrder} {
		if !et.Known() {
			t.Errorf("%s should be a known event type", et)
		}
	}
	for _, et := range []EventType{"click", "cart", "VIEW", ""} {
		if et.Known() {
			t.Errorf("%s should not be a known event type", et)
		}
	}
}

func TestEventTypeTransactional(t *testing.T) {
	if !EventPurchase.Transactional() || !EventOrder.Transactional() {
		t.Error("purchase and order should be transactional")
	}
	if EventView.Transactional() || EventAddToCart.Transactional() {
		t.Error("browsing events should not be transactional")
	}
}
