package billing

import (
	"fmt"
	"strings"
)

// Platform identifies the store a build is talking to.
type Platform string

const (
	// PlatformIOS is the App Store. Transactions are keyed by transaction
	// identifier and proven with an app receipt.
	PlatformIOS Platform = "ios"

	// PlatformAndroid is Google Play. Transactions are keyed and proven by
	// purchase token.
	PlatformAndroid Platform = "android"

	// PlatformPreview is a store-preview execution mode with no billing
	// surface at all.
	PlatformPreview Platform = "preview"
)

// ParsePlatform converts a configuration string into a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformPreview, "":
		return PlatformPreview, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// HasBillingSurface reports whether the platform can reach a real store.
func (p Platform) HasBillingSurface() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// ProductKind is the store-side product category passed to fetch calls.
type ProductKind string

const (
	KindSubscription ProductKind = "subs"
	KindInApp        ProductKind = "inapp"
)
