package dracoon

import "log/slog"

// redacted replaces secret values in every rendered form.
const redacted = "[REDACTED]"

// Secret holds a credential (token, password, passphrase) that must not
// leak through logging or serialization. fmt, encoding/json and log/slog
// all render it as a fixed placeholder; the value is only reachable
// through Reveal. Wipe overwrites the backing storage when the secret is
// discarded.
type Secret struct {
	value []byte
}

// NewSecret wraps a credential string.
func NewSecret(v string) Secret {
	return Secret{value: []byte(v)}
}

// Reveal returns the underlying value.
func (s Secret) Reveal() string {
	return string(s.value)
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool {
	return len(s.value) == 0
}

// Wipe overwrites the backing storage. The Secret is empty afterwards.
func (s *Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}

	s.value = nil
}

// String implements fmt.Stringer.
func (s Secret) String() string {
	return redacted
}

// GoString keeps %#v output redacted as well.
func (s Secret) GoString() string {
	return "dracoon.Secret(" + redacted + ")"
}

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}
