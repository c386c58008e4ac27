// Package geo resolves a client's display location (country name and flag)
// from its IP address. The location is cosmetic only: it is shown to the
// matched partner and never influences matching decisions.
package geo

import "strings"

// Country is one selectable country exposed on the /api/countries endpoint.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

// countryNames maps lowercase ISO 3166-1 alpha-2 codes to display names.
// Codes missing from the table fall back to the uppercased code.
var countryNames = map[string]string{
	"ad": "Andorra", "ae": "UAE", "af": "Afghanistan", "al": "Albania",
	"am": "Armenia", "ar": "Argentina", "at": "Austria", "au": "Australia",
	"az": "Azerbaijan", "ba": "Bosnia and Herzegovina", "bd": "Bangladesh",
	"be": "Belgium", "bg": "Bulgaria", "br": "Brazil", "by": "Belarus",
	"ca": "Canada", "ch": "Switzerland", "cl": "Chile", "cn": "China",
	"co": "Colombia", "cr": "Costa Rica", "cu": "Cuba", "cy": "Cyprus",
	"cz": "Czech Republic", "de": "Germany", "dk": "Denmark", "dz": "Algeria",
	"ec": "Ecuador", "ee": "Estonia", "eg": "Egypt", "es": "Spain",
	"et": "Ethiopia", "fi": "Finland", "fr": "France", "gb": "United Kingdom",
	"ge": "Georgia", "gh": "Ghana", "gr": "Greece", "hr": "Croatia",
	"hu": "Hungary", "id": "Indonesia", "ie": "Ireland", "il": "Israel",
	"in": "India", "iq": "Iraq", "ir": "Iran", "is": "Iceland",
	"it": "Italy", "jo": "Jordan", "jp": "Japan", "ke": "Kenya",
	"kr": "South Korea", "kw": "Kuwait", "kz": "Kazakhstan", "lb": "Lebanon",
	"lk": "Sri Lanka", "lt": "Lithuania", "lu": "Luxembourg", "lv": "Latvia",
	"ma": "Morocco", "md": "Moldova", "mx": "Mexico", "my": "Malaysia",
	"ng": "Nigeria", "nl": "Netherlands", "no": "Norway", "np": "Nepal",
	"nz": "New Zealand", "om": "Oman", "pe": "Peru", "ph": "Philippines",
	"pk": "Pakistan", "pl": "Poland", "ps": "Palestine", "pt": "Portugal",
	"qa": "Qatar", "ro": "Romania", "rs": "Serbia", "ru": "Russia",
	"sa": "Saudi Arabia", "se": "Sweden", "sg": "Singapore", "si": "Slovenia",
	"sk": "Slovakia", "sy": "Syria", "th": "Thailand", "tn": "Tunisia",
	"tr": "Turkey", "tw": "Taiwan", "ua": "Ukraine", "us": "United States",
	"uy": "Uruguay", "uz": "Uzbekistan", "ve": "Venezuela", "vn": "Vietnam",
	"ye": "Yemen", "za": "South Africa",
}

// selectableCodes is the curated list offered to clients as country
// preferences, in display order.
var selectableCodes = []string{
	"us", "gb", "de", "fr", "jp", "kr", "ca", "au", "br", "in",
	"mx", "it", "es", "ru", "cn", "ar", "se", "no", "nl", "ch",
}

// CountryName returns the display name for a lowercase ISO country code,
// falling back to the uppercased code for unknown entries.
func CountryName(code string) string {
	if name, ok := countryNames[code]; ok {
		return name
	}
	return strings.ToUpper(code)
}

// CountryFlag returns the flag emoji for a two-letter ISO country code by
// mapping each letter onto the Unicode regional indicator block. Invalid
// codes yield the globe emoji.
func CountryFlag(code string) string {
	if len(code) != 2 {
		return "\U0001F30D"
	}
	var flag []rune
	for _, c := range strings.ToLower(code) {
		if c < 'a' || c > 'z' {
			return "\U0001F30D"
		}
		flag = append(flag, 0x1F1E6+c-'a')
	}
	return string(flag)
}

// SelectableCountries returns the curated country list for the
// /api/countries endpoint.
func SelectableCountries() []Country {
	out := make([]Country, 0, len(selectableCodes))
	for _, code := range selectableCodes {
		out = append(out, Country{
			Code: code,
			Name: CountryName(code),
			Flag: CountryFlag(code),
		})
	}
	return out
}
