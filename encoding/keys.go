package encoding

import "fmt"

// PrefixUpperBound returns the smallest key greater than every key starting
// with prefix, for use as an iterator upper bound. Returns nil when prefix is
// all 0xff.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

// TokenKey formats a key as prefix followed by a 16 digit hex token, so
// lexical key order matches token order.
func TokenKey(prefix string, token uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefix, token))
}
