package offering

// Type is the product category.
type Type string

const (
	TypeSubscription Type = "subscription"
	TypeIAP          Type = "iap"
)

// Product is a normalized offering. Values are immutable once returned by
// Normalize.
type Product struct {
	ProductID      string `json:"product_id" yaml:"product_id"`
	Title          string `json:"title,omitempty" yaml:"title,omitempty"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`
	Price          string `json:"price,omitempty" yaml:"price,omitempty"`
	LocalizedPrice string `json:"localized_price,omitempty" yaml:"localized_price,omitempty"`
	Currency       string `json:"currency,omitempty" yaml:"currency,omitempty"`
	Type           Type   `json:"type" yaml:"type"`

	// OfferToken is the Play subscription offer used when purchasing.
	OfferToken string `json:"offer_token,omitempty" yaml:"offer_token,omitempty"`
}

// HasPrice reports whether the product carries a display or numeric price.
func (p Product) HasPrice() bool {
	return p.LocalizedPrice != "" || p.Price != ""
}

// IsSubscription reports whether the product is a subscription.
func (p Product) IsSubscription() bool {
	return p.Type == TypeSubscription
}

// Find returns the product with the given ID.
func Find(products []Product, productID string) (Product, bool) {
	for _, p := range products {
		if p.ProductID == productID {
			return p, true
		}
	}
	return Product{}, false
}

// MissingSKUs returns the expected SKUs not present in products, in
// expected order.
func MissingSKUs(products []Product, expected []string) []string {
	present := make(map[string]struct{}, len(products))
	for _, p := range products {
		present[p.ProductID] = struct{}{}
	}
	var missing []string
	for _, sku := range expected {
		if _, ok := present[sku]; !ok {
			missing = append(missing, sku)
		}
	}
	return missing
}

// PricesMissing reports whether any expected SKU that is present lacks
// both its display price and its numeric price.
func PricesMissing(products []Product, expected []string) bool {
	for _, sku := range expected {
		p, ok := Find(products, sku)
		if ok && !p.HasPrice() {
			return true
		}
	}
	return false
}
