package constants

import "strings"

// Jurisdictions holds the country codes the registry answers for.
var Jurisdictions = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "CY": {}, "CZ": {}, "DE": {}, "DK": {},
	"EE": {}, "EL": {}, "ES": {}, "FI": {}, "FR": {}, "HR": {}, "HU": {},
	"IE": {}, "IT": {}, "LT": {}, "LU": {}, "LV": {}, "MT": {}, "NL": {},
	"PL": {}, "PT": {}, "RO": {}, "SE": {}, "SI": {}, "SK": {}, "XI": {},
}

// jurisdictionAliases maps ISO codes to the code the registry actually uses.
var jurisdictionAliases = map[string]string{
	"GR": "EL",
}

// DefaultSlowJurisdiction is served exclusively by the durable slow lane.
const DefaultSlowJurisdiction = "DE"

// NormalizeJurisdiction uppercases a code and applies aliases.
func NormalizeJurisdiction(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if alias, ok := jurisdictionAliases[code]; ok {
		return alias
	}
	return code
}

// IsJurisdiction reports whether code (already normalized) is known.
func IsJurisdiction(code string) bool {
	_, ok := Jurisdictions[code]
	return ok
}
