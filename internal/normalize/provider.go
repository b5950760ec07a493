package normalize

import "strings"

// knownProviders maps a lowercase fragment of a (possibly truncated)
// provider name to its display name. Order matters: the first fragment
// found wins.
var knownProviders = []struct {
	fragment string
	name     string
}{
	{"dat", "Datacrunch"},
	{"mas", "MassedCompute"},
	{"hyp", "Hyperstack"},
	{"neb", "Nebula"},
	{"run", "RunPod"},
	{"lam", "Lambda Labs"},
	{"cru", "cru"},
	{"obl", "obl"},
	{"pri", "pri"},
	{"dc_", "dc_"},
	{"lat", "lat"},
}

// MapProvider resolves a truncated provider name from the table view.
// Unmatched names pass through with only whitespace and ellipsis removed.
func MapProvider(raw string) string {
	clean := strings.TrimSpace(strings.ReplaceAll(raw, ellipsis, ""))
	lower := strings.ToLower(clean)
	for _, p := range knownProviders {
		if strings.Contains(lower, p.fragment) {
			return p.name
		}
	}
	return clean
}
