// Package phone canonicalises phone numbers and WhatsApp JIDs.
//
// Normalisation never fails: input that matches no known shape degrades to
// "+" followed by whatever digits it contains.
package phone

import "strings"

// DefaultCountryCode is prepended to bare local numbers (Brazil).
const DefaultCountryCode = "55"

// Normalize returns the display form, e.g. "+5511999998888". It returns ""
// only when raw contains no digits at all.
func Normalize(raw string) string {
	d := digits(stripJID(raw))
	if d == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(d, DefaultCountryCode) && (len(d) == 12 || len(d) == 13):
		return "+" + d
	case len(d) == 10 || len(d) == 11:
		return "+" + DefaultCountryCode + d
	default:
		return "+" + d
	}
}

// Key returns the deduplication form stored as phone_normalized: the
// normalized number without the leading "+".
func Key(raw string) string {
	return digits(Normalize(raw))
}

// stripJID drops the "@s.whatsapp.net" server part and any ":device" suffix
// so device digits do not leak into the number.
func stripJID(raw string) string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
		if j := strings.IndexByte(raw, ':'); j >= 0 {
			raw = raw[:j]
		}
	}
	return raw
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
