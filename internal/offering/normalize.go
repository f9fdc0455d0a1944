package offering

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var (
	// ErrNoProductID means no identifier field resolved to a non-empty string.
	ErrNoProductID = errors.New("offering: no product identifier")

	// ErrMalformed means the record is not a JSON object.
	ErrMalformed = errors.New("offering: malformed record")
)

// Converter is an adapter-provided helper that maps a raw record into the
// canonical shape. It returns false when it cannot handle the record.
type Converter func(raw json.RawMessage) (json.RawMessage, bool)

var (
	idPaths = []string{
		"productId",
		"productIdentifier",
		"id",
		"sku",
		"identifier",
		"product.productId",
		"product.id",
		"product.identifier",
		"skProduct.productIdentifier",
	}
	titlePaths = []string{
		"title",
		"localizedTitle",
		"displayName",
		"name",
		"product.title",
		"skProduct.localizedTitle",
	}
	descriptionPaths = []string{
		"description",
		"localizedDescription",
		"product.description",
		"skProduct.localizedDescription",
	}
	displayPricePaths = []string{
		"localizedPrice",
		"displayPrice",
		"priceString",
		"formattedPrice",
		"product.localizedPrice",
		"product.displayPrice",
	}
	currencyPaths = []string{
		"currency",
		"currencyCode",
		"priceCurrencyCode",
		"product.currency",
		"product.currencyCode",
		"priceLocale.currencyCode",
	}
	numericPricePaths = []string{
		"price",
		"product.price",
	}
	typePaths = []string{
		"type",
		"productType",
		"product.type",
	}
)

// NormalizationError describes one rejected record.
type NormalizationError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e NormalizationError) Error() string {
	return fmt.Sprintf("offering[%d]: %v", e.Index, e.Err)
}

// Unwrap returns the underlying cause.
func (e NormalizationError) Unwrap() error {
	return e.Err
}

// Normalize converts one raw offering record into a Product. The converter,
// when given, is tried first; its output is only used if it yields an
// identifier.
func Normalize(raw json.RawMessage, conv Converter) (Product, error) {
	if conv != nil {
		if converted, ok := conv(raw); ok {
			if p, err := normalizeRecord(converted); err == nil {
				return p, nil
			}
		}
	}
	return normalizeRecord(raw)
}

// NormalizeAll normalizes every record, dropping rejected ones and
// duplicates (first occurrence wins). Rejections are reported, not fatal.
func NormalizeAll(raws []json.RawMessage, conv Converter) ([]Product, []NormalizationError) {
	products := make([]Product, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var errs []NormalizationError

	for i, raw := range raws {
		p, err := Normalize(raw, conv)
		if err != nil {
			errs = append(errs, NormalizationError{Index: i, Err: err})
			continue
		}
		if _, dup := seen[p.ProductID]; dup {
			continue
		}
		seen[p.ProductID] = struct{}{}
		products = append(products, p)
	}
	return products, errs
}

func normalizeRecord(raw []byte) (Product, error) {
	if !gjson.ValidBytes(raw) {
		return Product{}, ErrMalformed
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Product{}, ErrMalformed
	}

	id := firstString(root, idPaths)
	if id == "" {
		return Product{}, ErrNoProductID
	}

	p := Product{
		ProductID:   id,
		Title:       firstString(root, titlePaths),
		Description: firstString(root, descriptionPaths),
		Currency:    strings.ToUpper(firstString(root, currencyPaths)),
		Type:        resolveType(root),
		OfferToken:  firstString(root, []string{"subscriptionOfferDetails.0.offerToken", "offerToken"}),
	}

	display := firstString(root, displayPricePaths)
	numeric, numericOK := firstAmount(root, numericPricePaths)
	if !numericOK && display == "" {
		// A non-numeric "price" string such as "$4.99" is a display price.
		display = firstString(root, numericPricePaths)
	}

	phase, phaseOK := resolvePhase(root, p.Currency)
	if p.Currency == "" && phaseOK {
		p.Currency = phase.currency
	}

	switch {
	case numericOK:
		p.Price = CanonicalAmount(numeric, p.Currency)
	case phaseOK && phase.hasAmount:
		p.Price = CanonicalAmount(phase.amount, p.Currency)
	}

	switch {
	case display != "":
		p.LocalizedPrice = display
	case phaseOK && phase.formatted != "":
		p.LocalizedPrice = phase.formatted
	case phaseOK && phase.hasAmount && p.Currency != "":
		p.LocalizedPrice = FormatPrice(phase.amount, p.Currency)
	case numericOK && p.Currency != "":
		p.LocalizedPrice = FormatPrice(numeric, p.Currency)
	case p.Price != "":
		p.LocalizedPrice = p.Price
	}

	return p, nil
}

// phasePrice is the price read from a pricing-phase structure.
type phasePrice struct {
	amount    decimal.Decimal
	hasAmount bool
	formatted string
	currency  string
}

// resolvePhase returns the first paid pricing phase, falling back to the
// first phase with any price information. Free-trial phases (zero amount)
// are skipped when a paid phase exists. Phases without their own currency
// are scaled in the record currency.
func resolvePhase(root gjson.Result, currency string) (phasePrice, bool) {
	var fallback *phasePrice
	for _, ph := range pricingPhases(root) {
		pp, ok := readPhase(ph, currency)
		if !ok {
			continue
		}
		if pp.hasAmount && pp.amount.IsPositive() {
			return pp, true
		}
		if fallback == nil {
			cp := pp
			fallback = &cp
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return phasePrice{}, false
}

func pricingPhases(root gjson.Result) []gjson.Result {
	var phases []gjson.Result
	collect := func(r gjson.Result) {
		switch {
		case r.IsArray():
			phases = append(phases, r.Array()...)
		case r.IsObject():
			phases = append(phases, r)
		}
	}

	collect(root.Get("oneTimePurchaseOfferDetails"))
	for _, offer := range root.Get("subscriptionOfferDetails").Array() {
		if list := offer.Get("pricingPhases.pricingPhaseList"); list.Exists() {
			collect(list)
			continue
		}
		collect(offer.Get("pricingPhases"))
	}
	if list := root.Get("pricingPhases.pricingPhaseList"); list.Exists() {
		collect(list)
	} else {
		collect(root.Get("pricingPhases"))
	}
	collect(root.Get("product.pricingPhases"))
	// Flat records may carry micros or minor units at the top level.
	phases = append(phases, root)
	return phases
}

func readPhase(ph gjson.Result, currency string) (phasePrice, bool) {
	pp := phasePrice{
		formatted: firstString(ph, []string{"formattedPrice"}),
		currency:  strings.ToUpper(firstString(ph, []string{"priceCurrencyCode", "currencyCode", "currency"})),
	}
	if pp.currency == "" {
		pp.currency = currency
	}
	if micros, ok := intValue(ph.Get("priceAmountMicros")); ok {
		pp.amount = FromMicros(micros)
		pp.hasAmount = true
	} else if minor, ok := intValue(ph.Get("priceAmountMinor")); ok {
		pp.amount = FromMinorUnits(minor, pp.currency)
		pp.hasAmount = true
	}
	if !pp.hasAmount && pp.formatted == "" {
		return phasePrice{}, false
	}
	return pp, true
}

func resolveType(root gjson.Result) Type {
	switch strings.ToLower(firstString(root, typePaths)) {
	case "subs", "subscription", "auto-renewable", "autorenewable", "renewable":
		return TypeSubscription
	case "inapp", "iap", "consumable", "non-consumable", "nonconsumable", "in-app":
		return TypeIAP
	}
	if root.Get("subscriptionOfferDetails").Exists() ||
		root.Get("subscriptionPeriod").Exists() ||
		root.Get("subscriptionPeriodUnitIOS").Exists() {
		return TypeSubscription
	}
	return TypeIAP
}

func firstString(r gjson.Result, paths []string) string {
	for _, path := range paths {
		v := r.Get(path)
		if !v.Exists() || (v.Type != gjson.String && v.Type != gjson.Number) {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// firstAmount returns the first path holding a number or numeric string.
func firstAmount(r gjson.Result, paths []string) (decimal.Decimal, bool) {
	for _, path := range paths {
		v := r.Get(path)
		var text string
		switch v.Type {
		case gjson.Number:
			text = v.Raw
		case gjson.String:
			text = strings.TrimSpace(v.String())
		default:
			continue
		}
		if d, err := decimal.NewFromString(text); err == nil {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

func intValue(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return integral(v.Raw)
	case gjson.String:
		return integral(strings.TrimSpace(v.String()))
	}
	return 0, false
}

func integral(text string) (int64, bool) {
	d, err := decimal.NewFromString(text)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return d.IntPart(), true
}
