package matcher

import (
	"regexp"
	"strings"
)

// digitRun matches decimal digits of any script, not only ASCII.
var digitRun = regexp.MustCompile(`\p{Nd}+`)

// ExtractNumericRef pulls a comparable token out of a free-text payment
// reference: the first run of digits, or the trimmed text when it has none.
// Empty input is returned as is. Applying it twice gives the same result as
// applying it once.
//
//	ExtractNumericRef("Pago 4521")      // "4521"
//	ExtractNumericRef("  TRF-0012/3 ")  // "0012"
//	ExtractNumericRef(" efectivo ")     // "efectivo"
func ExtractNumericRef(ref string) string {
	if ref == "" {
		return ref
	}
	trimmed := strings.TrimSpace(ref)
	if token := digitRun.FindString(trimmed); token != "" {
		return token
	}
	return trimmed
}
