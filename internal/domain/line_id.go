package domain

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// LineID derives the cart line identity from a product and its options.
// Attribute order is irrelevant; a product without options keeps its own id.
func LineID(productID string, attrs map[string]Attribute) string {
	if len(attrs) == 0 {
		return productID
	}
	return productID + "-" + strconv.FormatUint(xxhash.Sum64String(normalizeAttributes(attrs)), 16)
}

func normalizeAttributes(attrs map[string]Attribute) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Each field is length-prefixed so no value can imitate a separator.
	var b strings.Builder
	for _, k := range keys {
		attr := attrs[k]
		writeField(&b, strings.ToLower(strings.TrimSpace(k)))
		writeField(&b, strings.TrimSpace(attr.Value))
		writeField(&b, attr.PriceDelta.String())
	}
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
