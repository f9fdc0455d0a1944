package txkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/iapsync/internal/billing"
)

// DomainTransaction prefixes every transaction-key hash. The version
// suffix allows a future algorithm change without colliding with old keys.
const DomainTransaction = "iapsync/transaction/v1"

// Source names the purchase field a key was derived from.
type Source string

const (
	SourceToken         Source = "purchase_token"
	SourceTransactionID Source = "transaction_id"
	SourceNone          Source = ""
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Compute hashes one identifier for a platform into a transaction key.
func Compute(platform billing.Platform, source Source, id string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"platform": string(platform),
		"source":   string(source),
		"id":       id,
	})
	if err != nil {
		return "", fmt.Errorf("transaction key: %w", err)
	}
	return string(platform) + ":" + hashWithDomain(DomainTransaction, canonical), nil
}

// Derive returns the transaction key for a purchase: the purchase token on
// Android, the transaction identifier on iOS. Each platform falls back to
// the other field when its primary one is absent. An empty key means the
// purchase carries no usable identity.
func Derive(platform billing.Platform, p billing.Purchase) (string, Source) {
	token := p.PurchaseToken()
	txID := p.TransactionID()

	order := []struct {
		source Source
		id     string
	}{
		{SourceTransactionID, txID},
		{SourceToken, token},
	}
	if platform == billing.PlatformAndroid {
		order[0], order[1] = order[1], order[0]
	}

	for _, c := range order {
		if c.id == "" {
			continue
		}
		key, err := Compute(platform, c.source, c.id)
		if err != nil {
			continue
		}
		return key, c.source
	}
	return "", SourceNone
}

// Short returns a log-friendly prefix of a key.
func Short(key string) string {
	if len(key) <= 20 {
		return key
	}
	return key[:20]
}
