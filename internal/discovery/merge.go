package discovery

import (
	"strings"

	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

type matchKey struct {
	gpuType  model.GPUType
	provider string
}

func keyOf(r model.Resource) matchKey {
	return matchKey{gpuType: r.GPUType, provider: strings.ToLower(normalize.MapProvider(r.Provider))}
}

// Merge keeps the structured records for pricing and availability but takes
// each record's ConfigID from the table record with the same GPU type and
// provider, because only table identifiers are accepted by pod creation.
// Among several candidates the first one with the same GPU count wins,
// otherwise the first one. Records without any candidate lose their
// identifier.
func Merge(structured, table []model.Resource) []model.Resource {
	candidates := make(map[matchKey][]model.Resource)
	for _, t := range table {
		k := keyOf(t)
		candidates[k] = append(candidates[k], t)
	}

	out := make([]model.Resource, 0, len(structured))
	for _, s := range structured {
		s.ConfigID = ""
		if match, ok := bestMatch(candidates[keyOf(s)], s); ok {
			s.ConfigID = match.ConfigID
		}
		out = append(out, s)
	}
	return out
}

func bestMatch(cands []model.Resource, s model.Resource) (model.Resource, bool) {
	if len(cands) == 0 {
		return model.Resource{}, false
	}
	for _, c := range cands {
		if c.TotalCount == s.TotalCount {
			return c, true
		}
	}
	return cands[0], true
}
