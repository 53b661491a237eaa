package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// secretFieldNames are the exact field names spec.md §6 calls out for
// fingerprinting, matched case-insensitively.
var secretFieldNames = map[string]bool{
	"api_key":  true,
	"token":    true,
	"password": true,
	"secret":   true,
}

// secretFieldSuffixes are the name suffixes that also trigger fingerprinting
// (spec.md §6: "or suffix _key|_token|_secret").
var secretFieldSuffixes = []string{"_key", "_token", "_secret"}

// IsSecretField reports whether a config field name must be fingerprinted
// rather than persisted verbatim.
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	if secretFieldNames[lower] {
		return true
	}
	for _, suffix := range secretFieldSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// ErrMissingFingerprintKey is returned when a config tree contains a
// secret-shaped field but no ELSPETH_FINGERPRINT_KEY was configured.
var ErrMissingFingerprintKey = fmt.Errorf("config: secret field present but no fingerprint key configured")

// Fingerprint computes the HMAC-SHA256 fingerprint of value using key, hex
// encoded. key is ELSPETH_FINGERPRINT_KEY's value; an empty key is a hard
// error if the caller has already established a secret field is present
// (spec.md §6: "Missing key is a hard error if any such field exists").
func Fingerprint(key, value string) (string, error) {
	if key == "" {
		return "", ErrMissingFingerprintKey
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// FingerprintTree walks a decoded JSON/YAML config tree (map[string]any,
// []any, and scalar leaves) replacing every secret-shaped field's value with
// its fingerprint in place, so the raw secret is never handed to
// canon.Hash/canon.JSON or persisted into runs.config_json. Returns
// ErrMissingFingerprintKey if any secret field is found and key is empty.
func FingerprintTree(key string, tree any) error {
	switch node := tree.(type) {
	case map[string]any:
		for field, val := range node {
			if IsSecretField(field) {
				str, ok := val.(string)
				if !ok {
					continue
				}
				fp, err := Fingerprint(key, str)
				if err != nil {
					return fmt.Errorf("config: fingerprint field %q: %w", field, err)
				}
				node[field] = fp
				continue
			}
			if err := FingerprintTree(key, val); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range node {
			if err := FingerprintTree(key, item); err != nil {
				return err
			}
		}
	}
	return nil
}
