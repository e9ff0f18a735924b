package blob

import "strings"

// KeySeparator separates the provider id prefix from the raw key.
const KeySeparator = ':'

// SplitKey splits key into its provider prefix and raw key.
// ok is false when the key carries no prefix.
func SplitKey(key string) (providerID, raw string, ok bool) {
	i := strings.IndexByte(key, KeySeparator)
	if i < 0 {
		return "", key, false
	}
	return key[:i], key[i+1:], true
}

// StripPrefix returns the raw key without any provider prefix.
func StripPrefix(key string) string {
	_, raw, _ := SplitKey(key)
	return raw
}

// JoinKey prefixes raw with providerID.
func JoinKey(providerID, raw string) string {
	return providerID + string(KeySeparator) + raw
}

// HasPrefix reports whether key is prefixed by providerID.
func HasPrefix(key, providerID string) bool {
	p, _, ok := SplitKey(key)
	return ok && p == providerID
}
