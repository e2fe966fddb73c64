// Cache key listings are filtered against glob patterns; the following module implements the
// matching over a key stream.

package scan

import (
	"iter"

	"v.io/v23/glob"
)

// MatchKeys filters the `keys` stream with the given glob pattern.
// An invalid pattern matches nothing.
func MatchKeys(pattern string, keys iter.Seq[string]) iter.Seq[string] {
	parsedPattern, err := glob.Parse(pattern)
	if err != nil { // If pattern is invalid, return empty sequence.
		return func(yield func(string) bool) {}
	}
	return func(yield func(string) bool) {
		for key := range keys {
			if parsedPattern.Head().Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}
}
