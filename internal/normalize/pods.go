package normalize

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// PodRow is one row of the CLI pod listing.
type PodRow struct {
	ID        string
	Name      string
	GPUInfo   string
	Status    string
	CreatedAt time.Time
}

// ParsePodsTable parses the CLI pod listing (id, name, gpu, status,
// created). Rows with fewer than four columns are skipped.
func ParsePodsTable(text string) []PodRow {
	var out []PodRow
	for _, rec := range groupRecords(tableRows(text)) {
		c := rec.cells
		if len(c) < 4 {
			continue
		}
		row := PodRow{
			ID:      strings.ReplaceAll(c[0], ellipsis, ""),
			Name:    rec.secondColumn(),
			GPUInfo: c[2],
			Status:  c[3],
		}
		if len(c) > 4 {
			row.CreatedAt = ParseTime(c[4])
		}
		out = append(out, row)
	}
	return out
}

// PodDetails are the fields recoverable from "prime pods status" output.
// Empty strings and zero numbers mean the field was absent.
type PodDetails struct {
	ID            string
	Name          string
	Status        string
	GPUType       model.GPUType
	GPUCount      int
	CostPerHour   float64
	Provider      string
	Region        string
	SSHConnection string
	CreatedAt     time.Time
}

// ParsePodDetails reads key/value lines. Both "Key: value" and bordered
// two-column rows ("│ Key │ value │") are accepted.
func ParsePodDetails(text string) PodDetails {
	var d PodDetails
	for _, line := range strings.Split(text, "\n") {
		k, v, ok := keyValue(line)
		if !ok {
			continue
		}
		switch normalizeKey(k) {
		case "id", "podid":
			d.ID = v
		case "name", "podname":
			d.Name = v
		case "status", "state":
			d.Status = v
		case "gputype", "gpu":
			d.GPUType = ParseGPUType(v)
		case "gpucount", "gpus":
			d.GPUCount = int(ParseRange(v))
		case "price", "cost", "costperhour", "priceperhour", "hourlycost":
			d.CostPerHour = ParseRange(strings.ReplaceAll(v, "$", ""))
		case "provider":
			d.Provider = MapProvider(v)
		case "location", "region", "datacenter":
			d.Region = v
		case "ssh", "sshconnection", "sshcommand", "connection":
			d.SSHConnection = v
		case "created", "createdat":
			d.CreatedAt = ParseTime(v)
		}
	}
	return d
}

var boxChars = strings.NewReplacer("│", "|", "┃", "|", "║", "|")

func keyValue(line string) (string, string, bool) {
	line = strings.TrimSpace(boxChars.Replace(line))
	if line == "" {
		return "", "", false
	}

	if strings.HasPrefix(line, "|") {
		cells := strings.Split(strings.Trim(line, "|"), "|")
		if len(cells) >= 2 {
			k := strings.TrimSpace(cells[0])
			v := strings.TrimSpace(cells[1])
			if k != "" && v != "" {
				return k, v, true
			}
		}
		line = strings.TrimSpace(strings.Trim(line, "|"))
	}

	k, v, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	k, v = strings.TrimSpace(k), strings.TrimSpace(v)
	if k == "" || v == "" {
		return "", "", false
	}
	return k, v, true
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(k))
}

// ParsePodStatus maps free-form status text to a pod state. ok is false
// when the text matches no known state.
func ParsePodStatus(text string) (model.PodStatus, bool) {
	s := strings.ToLower(text)
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "fail"), strings.Contains(s, "error"):
		return model.PodFailed, true
	case strings.Contains(s, "stop"), strings.Contains(s, "terminat"),
		strings.Contains(s, "exited"), strings.Contains(s, "inactive"):
		return model.PodStopped, true
	case strings.Contains(s, "running"), strings.Contains(s, "active"), strings.Contains(s, "ready"):
		return model.PodRunning, true
	case strings.Contains(s, "creat"), strings.Contains(s, "pending"),
		strings.Contains(s, "provision"), strings.Contains(s, "start"):
		return model.PodCreating, true
	}
	return "", false
}

var gpuCountRe = regexp.MustCompile(`(?i)\b(\d+)\s*x|\bx\s*(\d+)\b`)

// ParseGPUInfo reads listing text such as "H100_80GB x 2" or "2x A100".
// A missing count defaults to 1 when a category was found.
func ParseGPUInfo(text string) (model.GPUType, int) {
	count := 0
	if m := gpuCountRe.FindStringSubmatch(text); m != nil {
		for _, g := range m[1:] {
			if n, err := strconv.Atoi(g); err == nil {
				count = n
				break
			}
		}
	}
	name := gpuCountRe.ReplaceAllString(text, " ")
	gt := ParseGPUType(name)
	if count == 0 && gt != model.GPUUnknown {
		count = 1
	}
	return gt, count
}

var createdIDRe = regexp.MustCompile(`(?i)\bpod\s*id\s*[:=]\s*([A-Za-z0-9_-]+)|\bid\s*[:=]\s*([A-Za-z0-9_-]+)`)

// ParseCreatedPodID extracts the new pod identity from creation output,
// which is either a JSON object with an "id" field or free text carrying
// "Pod ID: <id>". It returns "" when nothing matches.
func ParseCreatedPodID(text string) string {
	var obj struct {
		ID    string `json:"id"`
		PodID string `json:"podId"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &obj); err == nil {
		if obj.ID != "" {
			return obj.ID
		}
		if obj.PodID != "" {
			return obj.PodID
		}
	}

	m := createdIDRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts the timestamp layouts the CLI is known to print. It
// returns the zero time for anything else.
func ParseTime(text string) time.Time {
	text = strings.TrimSpace(text)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t
		}
	}
	return time.Time{}
}
