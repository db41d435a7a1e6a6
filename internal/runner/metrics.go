package runner

import (
	"regexp"
	"strconv"
)

var (
	resultsPattern   = regexp.MustCompile(`Results written:\s*(\d+)`)
	objectivePattern = regexp.MustCompile(`Objective value:\s*([\d.]+)`)
	progressPattern  = regexp.MustCompile(`PROGRESS:(\d+)`)
)

// metrics collects values mined from stdout. The last match wins.
type metrics struct {
	results   *int
	objective *float64
}

// mine scans one stdout line. It reports a progress percentage when the line
// carries one.
func (m *metrics) mine(line string) (int, bool) {
	if sm := resultsPattern.FindStringSubmatch(line); sm != nil {
		if n, err := strconv.Atoi(sm[1]); err == nil {
			m.results = &n
		}
	}
	if sm := objectivePattern.FindStringSubmatch(line); sm != nil {
		if v, err := strconv.ParseFloat(sm[1], 64); err == nil {
			m.objective = &v
		}
	}
	if sm := progressPattern.FindStringSubmatch(line); sm != nil {
		if p, err := strconv.Atoi(sm[1]); err == nil {
			return min(max(p, 0), 100), true
		}
	}
	return 0, false
}
