package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSecretField(t *testing.T) {
	cases := map[string]bool{
		"api_key":        true,
		"API_KEY":        true,
		"password":       true,
		"token":          true,
		"secret":         true,
		"my_secret":      true,
		"client_token":   true,
		"encryption_key": true,
		"username":       false,
		"host":           false,
	}
	for name, want := range cases {
		assert.Equal(t, want, IsSecretField(name), "field %q", name)
	}
}

func TestFingerprint_RequiresKey(t *testing.T) {
	_, err := Fingerprint("", "shh")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingFingerprintKey))
}

func TestFingerprint_DeterministicPerKey(t *testing.T) {
	a, err := Fingerprint("k1", "shh")
	require.NoError(t, err)
	b, err := Fingerprint("k1", "shh")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint("k2", "shh")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFingerprintTree_ReplacesSecretFieldsInPlace(t *testing.T) {
	tree := map[string]any{
		"name": "my-sink",
		"auth": map[string]any{
			"api_key": "raw-secret-value",
			"host":    "example.com",
		},
		"nested": []any{
			map[string]any{"password": "also-raw"},
		},
	}

	err := FingerprintTree("fp-key", tree)
	require.NoError(t, err)

	auth := tree["auth"].(map[string]any)
	assert.NotEqual(t, "raw-secret-value", auth["api_key"])
	assert.Equal(t, "example.com", auth["host"])

	nested := tree["nested"].([]any)[0].(map[string]any)
	assert.NotEqual(t, "also-raw", nested["password"])
}

func TestFingerprintTree_MissingKeyErrorsOnSecretField(t *testing.T) {
	tree := map[string]any{"token": "raw"}
	err := FingerprintTree("", tree)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingFingerprintKey))
}
