// Package token generates the per-session delimiter that prefixes every
// protocol directive exchanged with the interpreter subprocess.
package token

import (
	"math/rand/v2"
	"strings"
)

// DefaultLength is the number of random characters between the wrappers.
const DefaultLength = 100

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	wrapper  = "--"
)

// Generate returns "--" + length random alphanumeric characters + "--".
// A length of zero or less selects DefaultLength.
func Generate(length int) string {
	if length <= 0 {
		length = DefaultLength
	}

	var b strings.Builder
	b.Grow(length + 2*len(wrapper))
	b.WriteString(wrapper)
	for i := 0; i < length; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	b.WriteString(wrapper)
	return b.String()
}
