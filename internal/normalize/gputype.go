package normalize

import (
	"strings"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const ellipsis = "…"

// ParseGPUType resolves raw GPU text to a category. It tries an exact match
// against the known categories, then a match with separators stripped, then
// vendor/model token heuristics that also cope with truncated table text
// such as "H1…" or "A1…". Anything else is model.GPUUnknown.
func ParseGPUType(raw string) model.GPUType {
	s := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, ellipsis, "")))
	if s == "" {
		return model.GPUUnknown
	}

	for _, k := range model.KnownGPUTypes() {
		if s == string(k) {
			return k
		}
	}

	stripped := stripSeparators(s)
	for _, k := range model.KnownGPUTypes() {
		if stripped == stripSeparators(string(k)) {
			return k
		}
	}

	return gpuHeuristics(s)
}

func stripSeparators(s string) string {
	return strings.NewReplacer("_", "", " ", "", "-", "").Replace(s)
}

func gpuHeuristics(s string) model.GPUType {
	switch {
	case strings.Contains(s, "CPU"):
		return model.GPUCPU

	case strings.Contains(s, "H100") || strings.HasPrefix(s, "H1"):
		if strings.Contains(s, "40") && !strings.Contains(s, "80") {
			return model.GPUH100_40GB
		}
		return model.GPUH100_80GB

	case strings.Contains(s, "A100") || (strings.HasPrefix(s, "A1") && !strings.HasPrefix(s, "A10")):
		if strings.Contains(s, "40") && !strings.Contains(s, "80") {
			return model.GPUA100_40GB
		}
		return model.GPUA100_80GB

	case strings.Contains(s, "A6000") || (strings.HasPrefix(s, "A6") && strings.Contains(s, "48")):
		return model.GPURTXA6000
	case strings.Contains(s, "A5000"):
		return model.GPURTXA5000
	case strings.Contains(s, "A4000"):
		return model.GPURTXA4000

	case strings.Contains(s, "V100") || strings.HasPrefix(s, "V1"):
		if strings.Contains(s, "32") {
			return model.GPUV100_32GB
		}
		return model.GPUV100_16GB

	case strings.Contains(s, "L40S"):
		return model.GPUL40S
	case strings.Contains(s, "L40"):
		return model.GPUL40
	case hasToken(s, "L4"):
		return model.GPUL4

	case strings.Contains(s, "4090"):
		return model.GPURTX4090
	case strings.Contains(s, "4080"):
		return model.GPURTX4080
	case strings.Contains(s, "3090"):
		return model.GPURTX3090

	case hasToken(s, "T4"):
		return model.GPUT4
	}
	return model.GPUUnknown
}

// hasToken reports whether tok appears in s at a word start: either at the
// beginning or after a space, underscore or hyphen.
func hasToken(s, tok string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], tok)
		if j < 0 {
			return false
		}
		pos := i + j
		if pos == 0 || strings.ContainsRune(" _-", rune(s[pos-1])) {
			return true
		}
		i = pos + 1
	}
}
