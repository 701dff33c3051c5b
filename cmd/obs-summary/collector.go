package main

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	tasksEventName   = "tasks.request"
	tasksEventDomain = "tasklist.tasks"

	attrStatusCode = "http.status_code"
	attrOperation  = "tasklist.tasks.operation"
	attrTotalMs    = "tasklist.tasks.total_ms"
	attrErrorStage = "tasklist.tasks.error_stage"
)

// logRecord is one logrus JSON line written by the api package.
type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (n *numericStats) add(v float64) {
	if n.Count == 0 || v < n.Min {
		n.Min = v
	}
	if v > n.Max {
		n.Max = v
	}
	n.Count++
	n.Sum += v
}

type durationSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
}

func (n numericStats) summary() durationSummary {
	if n.Count == 0 {
		return durationSummary{}
	}
	return durationSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

type operationStats struct {
	count       int
	statuses    map[int]int
	errorStages map[string]int
	total       numericStats
}

type operationSummary struct {
	Count       int             `json:"count"`
	Statuses    map[string]int  `json:"status_counts"`
	ErrorStages map[string]int  `json:"error_stages,omitempty"`
	TotalMs     durationSummary `json:"total_ms"`
}

type summaryOutput struct {
	EventName      string                      `json:"event_name"`
	EventDomain    string                      `json:"event_domain"`
	TotalEvents    int                         `json:"total_events"`
	SeverityCounts map[string]int              `json:"severity_counts"`
	Operations     map[string]operationSummary `json:"operations"`
	SkippedLines   int                         `json:"skipped_lines"`
}

type collector struct {
	eventName   string
	eventDomain string
	total       int
	severity    map[string]int
	operations  map[string]*operationStats
	skipped     int
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severity:    make(map[string]int),
		operations:  make(map[string]*operationStats),
	}
}

func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	// docker compose prefixes lines with "service | ".
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}
	var rec logRecord
	if err := sonic.UnmarshalString(trimmed, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.total++
	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.severity[severity]++

	op := "unknown"
	if v, ok := rec.Attributes[attrOperation].(string); ok && v != "" {
		op = v
	}
	stats, ok := c.operations[op]
	if !ok {
		stats = &operationStats{statuses: make(map[int]int), errorStages: make(map[string]int)}
		c.operations[op] = stats
	}
	stats.count++
	if v, ok := asFloat(rec.Attributes[attrStatusCode]); ok {
		stats.statuses[int(v)]++
	}
	if v, ok := asFloat(rec.Attributes[attrTotalMs]); ok {
		stats.total.add(v)
	}
	if v, ok := rec.Attributes[attrErrorStage].(string); ok && v != "" {
		stats.errorStages[v]++
	}
}

func (c *collector) summary() summaryOutput {
	ops := make(map[string]operationSummary, len(c.operations))
	for name, st := range c.operations {
		statuses := make(map[string]int, len(st.statuses))
		for code, n := range st.statuses {
			statuses[strconv.Itoa(code)] = n
		}
		var stages map[string]int
		if len(st.errorStages) > 0 {
			stages = st.errorStages
		}
		ops[name] = operationSummary{
			Count:       st.count,
			Statuses:    statuses,
			ErrorStages: stages,
			TotalMs:     st.total.summary(),
		}
	}
	return summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.total,
		SeverityCounts: c.severity,
		Operations:     ops,
		SkippedLines:   c.skipped,
	}
}

// ShortString renders a one-line digest, operations sorted by name.
func (s summaryOutput) ShortString() string {
	parts := []string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"warn=" + strconv.Itoa(s.SeverityCounts["WARN"]),
		"error=" + strconv.Itoa(s.SeverityCounts["ERROR"]),
	}
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := s.Operations[name]
		parts = append(parts, name+"="+strconv.Itoa(op.Count)+"/"+formatFloat(op.TotalMs.Avg)+"ms")
	}
	return strings.Join(parts, " ")
}

func formatFloat(v float64) string {
	if v == 0 || math.IsNaN(v) {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
