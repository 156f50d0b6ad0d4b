package conformance

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-conform/types"
)

var (
	tapTestPoint = regexp.MustCompile(`^(not ok|ok)\b\s*(\d+)?\s*(?:-\s*)?([^#]*?)\s*(?:#\s*(.*))?$`)
	tapPlan      = regexp.MustCompile(`^1\.\.(\d+)\s*(?:#.*)?$`)
)

const tapBailOut = "Bail out!"

// tapDiagnostic holds the fields of a YAML diagnostic block that are used
// for the case; everything else is kept verbatim.
type tapDiagnostic struct {
	Message    string  `yaml:"message"`
	Severity   string  `yaml:"severity"`
	DurationMS float64 `yaml:"duration_ms"`
}

type tapDecoder struct {
	pending *types.ConformanceCase
	inYAML  bool
	yaml    []string
	indent  string

	seen       int
	planned    int
	hasPlan    bool
	bailReason string
	hasBailed  bool
	nRecord    int
}

func newTAPDecoder() *tapDecoder {
	return &tapDecoder{planned: -1}
}

func (d *tapDecoder) decode(line string) []types.ConformanceCase {
	if d.inYAML {
		trimmed := strings.TrimSpace(line)
		if trimmed == "..." {
			d.inYAML = false
			d.applyYAML()
			return nil
		}
		if strings.HasPrefix(line, d.indent) || trimmed == "" {
			d.yaml = append(d.yaml, strings.TrimPrefix(line, d.indent))
			return nil
		}
		// The block was never closed; keep what we have and treat the line normally
		d.inYAML = false
		d.applyYAML()
	}

	if d.pending != nil && strings.TrimSpace(line) == "---" && line != strings.TrimLeft(line, " \t") {
		d.inYAML = true
		d.yaml = nil
		d.indent = line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		return nil
	}

	// Indented lines that are not diagnostics belong to subtests
	if line != strings.TrimLeft(line, " \t") {
		return nil
	}

	switch {
	case strings.HasPrefix(line, "TAP version"):
		d.nRecord++
		return nil
	case strings.HasPrefix(line, tapBailOut):
		d.nRecord++
		d.hasBailed = true
		d.bailReason = strings.TrimSpace(strings.TrimPrefix(line, tapBailOut))
		return d.emit()
	case strings.HasPrefix(line, "#"):
		if d.pending != nil && d.pending.Status == types.CaseStatusFail {
			d.pending.Diagnostic = joinDiagnostic(d.pending.Diagnostic, strings.TrimSpace(strings.TrimPrefix(line, "#")))
		}
		return nil
	}

	if m := tapPlan.FindStringSubmatch(line); m != nil {
		d.nRecord++
		n, err := strconv.Atoi(m[1])
		if err == nil {
			d.planned = n
			d.hasPlan = true
		}
		return d.emit()
	}

	m := tapTestPoint.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	d.nRecord++
	out := d.emit()
	d.seen++

	c := types.ConformanceCase{
		ID:          m[2],
		Description: strings.TrimSpace(m[3]),
		Status:      types.CaseStatusPass,
	}
	if c.ID == "" {
		c.ID = strconv.Itoa(d.seen)
	}
	if m[1] == "not ok" {
		c.Status = types.CaseStatusFail
	}
	if directive := strings.TrimSpace(m[4]); directive != "" {
		word, reason, _ := strings.Cut(directive, " ")
		switch strings.ToUpper(word) {
		case "SKIP", "SKIPPED":
			c.Status = types.CaseStatusSkip
			c.Diagnostic = strings.TrimSpace(reason)
		case "TODO":
			// Failures of unfinished cases are expected and do not count
			if c.Status == types.CaseStatusFail {
				c.Status = types.CaseStatusSkip
				c.Diagnostic = joinDiagnostic("todo", reason)
			}
		}
	}
	d.pending = &c
	return out
}

// emit releases the case waiting for a possible diagnostic block
func (d *tapDecoder) emit() []types.ConformanceCase {
	if d.pending == nil {
		return nil
	}
	c := *d.pending
	d.pending = nil
	return []types.ConformanceCase{c}
}

func (d *tapDecoder) applyYAML() {
	if d.pending == nil || len(d.yaml) == 0 {
		return
	}
	raw := strings.Join(d.yaml, "\n")
	d.yaml = nil

	var diag tapDiagnostic
	if err := yaml.Unmarshal([]byte(raw), &diag); err != nil {
		if d.pending.Status != types.CaseStatusPass {
			d.pending.Diagnostic = joinDiagnostic(d.pending.Diagnostic, raw)
		}
		return
	}
	if diag.DurationMS > 0 {
		d.pending.Duration = time.Duration(diag.DurationMS * float64(time.Millisecond))
	}
	if d.pending.Status == types.CaseStatusPass {
		return
	}
	if diag.Message != "" {
		d.pending.Diagnostic = joinDiagnostic(d.pending.Diagnostic, diag.Message, raw)
	} else {
		d.pending.Diagnostic = joinDiagnostic(d.pending.Diagnostic, raw)
	}
}

func (d *tapDecoder) flush() []types.ConformanceCase {
	if d.inYAML {
		d.inYAML = false
		d.applyYAML()
	}
	return d.emit()
}

func (d *tapDecoder) complete() bool {
	return d.hasPlan && !d.hasBailed && d.seen >= d.planned
}

func (d *tapDecoder) bailed() (string, bool) { return d.bailReason, d.hasBailed }
func (d *tapDecoder) records() int           { return d.nRecord }
