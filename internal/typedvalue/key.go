// Package typedvalue implements the persistent typed value facade of
// SPEC_FULL.md §4.2: a generic binding from an in-memory value to a
// deterministic key in an internal/store.Store, with a shared key-encoding
// discipline so compound key tuples never collide.
//
// Grounded on original_source/pbft/pbft_persistent_state.cpp's key-encoding
// scheme, reworked from the teacher's append-only WAL (persisted.go) into a
// keyed-store binding, since SPEC_FULL.md §4.2's contract is a rehydrate-
// from-key facade rather than a log.
package typedvalue

import "strings"

// uintKeyWidth is wide enough for any 64-bit value (SPEC_FULL.md §4.2).
const uintKeyWidth = 20

// sep separates components of a compound key. It is escaped wherever it
// appears literally inside a component so two distinct key tuples can never
// collide by concatenation.
const sep = "_"
const escapedSep = "\\_"
const escapeChar = "\\"
const escapedEscape = "\\\\"

// EscapeComponent escapes a raw key component so it can be safely joined
// with Join without colliding with an adjacent component.
func EscapeComponent(s string) string {
	s = strings.ReplaceAll(s, escapeChar, escapedEscape)
	s = strings.ReplaceAll(s, sep, escapedSep)
	return s
}

// FormatUint zero-pads n to uintKeyWidth characters so lexicographic order
// over the key matches numeric order, which range scans over (sequence, …)
// tuples depend on (SPEC_FULL.md §4.2).
func FormatUint(n uint64) string {
	s := itoa(n)
	if len(s) >= uintKeyWidth {
		return s
	}
	return strings.Repeat("0", uintKeyWidth-len(s)) + s
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Join builds a compound key out of already-escaped or numeric components.
func Join(prefix string, components ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range components {
		b.WriteString(sep)
		b.WriteString(c)
	}
	return b.String()
}

// RangeBounds returns the [lo, hi) bounds that contain every key sharing
// the given literal prefix, for use with Store.ReadRange / ReadIf.
func RangeBounds(prefix string) (lo, hi string) {
	return prefix, prefix + "\xff"
}
