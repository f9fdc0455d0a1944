package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Candidate field paths, most specific first. Paths use gjson syntax.
var (
	productIDPaths = []string{
		"productId",
		"productIdentifier",
		"sku",
		"productIds.0",
		"products.0",
		"skus.0",
		"product.productId",
		"product.id",
	}
	transactionIDPaths = []string{
		"transactionId",
		"transactionIdentifier",
		"orderId",
		"id",
	}
	originalTransactionIDPaths = []string{
		"originalTransactionIdentifierIOS",
		"originalTransactionId",
		"originalTransactionIdentifier",
	}
	purchaseTokenPaths = []string{
		"purchaseToken",
		"purchaseTokenAndroid",
		"token",
	}
	receiptPaths = []string{
		"transactionReceipt",
		"receipt",
		"verificationData.serverVerificationData",
		"verificationData.localVerificationData",
	}
)

// Purchase is one purchase event as delivered by the store library.
// The underlying record is kept as raw JSON; accessors read it defensively.
type Purchase struct {
	raw []byte
}

// NewPurchase wraps a raw purchase record. The bytes are copied.
func NewPurchase(raw []byte) Purchase {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Purchase{raw: cp}
}

// PurchaseFromMap builds a Purchase from a decoded record.
func PurchaseFromMap(m map[string]any) (Purchase, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Purchase{}, fmt.Errorf("marshal purchase: %w", err)
	}
	return Purchase{raw: b}, nil
}

// Raw returns the raw record bytes.
func (p Purchase) Raw() []byte {
	return p.raw
}

// IsZero reports whether the purchase carries no record.
func (p Purchase) IsZero() bool {
	return len(p.raw) == 0
}

// ProductID returns the purchased product identifier, or "".
func (p Purchase) ProductID() string {
	return firstString(p.raw, productIDPaths)
}

// TransactionID returns the store transaction identifier, or "".
func (p Purchase) TransactionID() string {
	return firstString(p.raw, transactionIDPaths)
}

// OriginalTransactionID returns the original (renewal chain) identifier, or "".
func (p Purchase) OriginalTransactionID() string {
	return firstString(p.raw, originalTransactionIDPaths)
}

// PurchaseToken returns the Play purchase token, or "".
func (p Purchase) PurchaseToken() string {
	return firstString(p.raw, purchaseTokenPaths)
}

// Receipt returns an inline receipt blob if the record carries one.
func (p Purchase) Receipt() string {
	return firstString(p.raw, receiptPaths)
}

// firstString returns the first non-empty trimmed string or number found
// at the given paths.
func firstString(raw []byte, paths []string) string {
	if len(raw) == 0 {
		return ""
	}
	for _, path := range paths {
		r := gjson.GetBytes(raw, path)
		if !r.Exists() {
			continue
		}
		if r.Type != gjson.String && r.Type != gjson.Number {
			continue
		}
		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}
	return ""
}
