package npi

import (
	"strconv"

	"github.com/ashita-ai/kensa/internal/model"
)

// ParseProvider maps a registry record onto a Provider. The practice
// (LOCATION) address and the primary taxonomy are preferred; otherwise the
// first entry of each list is used. Country defaults to US. Identity fields
// that are not set by the registry (ID, hash, timestamps) are left zero.
func ParseProvider(rec Record) model.Provider {
	basic := asMap(rec["basic"])
	p := model.Provider{
		NPINumber:        numberString(rec["number"]),
		FirstName:        str(basic, "first_name"),
		LastName:         str(basic, "last_name"),
		OrganizationName: str(basic, "organization_name"),
		Country:          "US",
		RawData:          map[string]any(rec),
	}

	if addr := pick(asSlice(rec["addresses"]), func(m map[string]any) bool {
		return str(m, "address_purpose") == "LOCATION"
	}); addr != nil {
		p.AddressLine1 = str(addr, "address_1")
		p.AddressLine2 = str(addr, "address_2")
		p.City = str(addr, "city")
		p.State = str(addr, "state")
		p.PostalCode = str(addr, "postal_code")
		p.Phone = str(addr, "telephone_number")
		if cc := str(addr, "country_code"); cc != "" {
			p.Country = cc
		}
	}

	if tax := pick(asSlice(rec["taxonomies"]), func(m map[string]any) bool {
		primary, _ := m["primary"].(bool)
		return primary
	}); tax != nil {
		p.TaxonomyCode = str(tax, "code")
		p.TaxonomyDescription = str(tax, "desc")
	}
	return p
}

// pick returns the first element matching pred, else the first element.
func pick(items []map[string]any, pred func(map[string]any) bool) map[string]any {
	for _, m := range items {
		if pred(m) {
			return m
		}
	}
	if len(items) > 0 {
		return items[0]
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []map[string]any {
	raw, _ := v.([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// The registry has returned number both as a string and as a JSON number.
func numberString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatInt(int64(n), 10)
	default:
		return ""
	}
}
