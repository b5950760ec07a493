package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const (
	// headerRule is the heavy rule that separates the header from data rows.
	headerRule = "┡"
	bottomRule = "└"
	cellBorder = "│"
)

// availabilityColumns is the minimum width of an availability row:
// id, gpu type, gpu count, socket, provider, location, status, price,
// security, vcpus, memory, disk.
const availabilityColumns = 12

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseAvailabilityTable parses the CLI availability table. Rows may span
// several physical lines: the line that fills the first column starts a
// record, and later lines with an empty first column extend its GPU type
// text. Rows with too few columns are skipped.
func ParseAvailabilityTable(text string) []model.Resource {
	var out []model.Resource
	for _, rec := range groupRecords(tableRows(text)) {
		r, ok := availabilityRecord(rec)
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// tableRows returns the cell lists of every data row between the header
// rule and the bottom rule. Text without a header rule has no data rows.
func tableRows(text string) [][]string {
	lines := strings.Split(text, "\n")

	start := -1
	for i, line := range lines {
		if strings.Contains(line, headerRule) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}

	var rows [][]string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, bottomRule) {
			break
		}
		if !strings.HasPrefix(trimmed, cellBorder) {
			continue
		}
		rows = append(rows, splitCells(trimmed))
	}
	return rows
}

// splitCells splits a bordered row and drops the empty fields outside the
// outer borders.
func splitCells(line string) []string {
	parts := strings.Split(line, cellBorder)
	if len(parts) < 3 {
		return nil
	}
	parts = parts[1 : len(parts)-1]
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// record is a logical table row: the first physical line plus any
// continuation fragments for the second column.
type record struct {
	cells        []string
	continuation []string
}

func groupRecords(rows [][]string) []record {
	var recs []record
	for _, cells := range rows {
		if len(cells) == 0 {
			continue
		}
		if cells[0] != "" {
			recs = append(recs, record{cells: cells})
			continue
		}
		if len(recs) == 0 {
			continue
		}
		if len(cells) > 1 && cells[1] != "" {
			last := &recs[len(recs)-1]
			last.continuation = append(last.continuation, cells[1])
		}
	}
	return recs
}

// secondColumn joins the second cell with its continuation fragments.
func (r record) secondColumn() string {
	if len(r.cells) < 2 {
		return ""
	}
	parts := append([]string{r.cells[1]}, r.continuation...)
	return strings.TrimSpace(strings.ReplaceAll(strings.Join(parts, " "), ellipsis, ""))
}

func availabilityRecord(rec record) (model.Resource, bool) {
	c := rec.cells
	if len(c) < availabilityColumns {
		return model.Resource{}, false
	}

	count := int(ParseRange(c[2]))
	available := 0
	if statusAvailable(c[6]) {
		available = count
	}

	return model.Resource{
		GPUType:        ParseGPUType(rec.secondColumn()),
		AvailableCount: available,
		TotalCount:     count,
		CostPerHour:    ParseRange(strings.ReplaceAll(c[7], "$", "")),
		Provider:       MapProvider(c[4]),
		Region:         strings.TrimSpace(strings.ReplaceAll(c[5], ellipsis, "")),
		ConfigID:       strings.ReplaceAll(c[0], ellipsis, ""),
		Socket:         c[3],
		StockStatus:    c[6],
		Security:       c[8],
		VCPUs:          ParseRange(c[9]),
		MemoryGB:       ParseRange(c[10]),
		DiskGB:         ParseRange(c[11]),
	}, true
}

func statusAvailable(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "ava") || strings.Contains(s, "med")
}

// ParseRange returns the first number in text, so "8-64" yields 8 and
// "$2.95/hr" yields 2.95. Text without a number yields 0.
func ParseRange(text string) float64 {
	m := numberRe.FindString(text)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}
