package types

import "strings"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (gateway key secret, webhook secret, JWT
// signing key). String and MarshalJSON return a redacted placeholder so the
// value never reaches logs or config dumps. Use Unmask to get the plaintext.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty and not a sample value left
// over from an .env template (e.g. "your_razorpay_key_secret").
func (s SecretString) IsSet() bool {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return false
	}
	return !strings.Contains(strings.ToLower(v), "your_")
}
