package conformance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-conform/types"
)

// Actions emitted in a test2json-style stream
const (
	ActionRun    = "run"
	ActionStart  = "start"
	ActionOutput = "output"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionBench  = "bench"
)

// SuiteEvent is one line of a json result stream
type SuiteEvent struct {
	Time        time.Time // Time the event occurred
	Action      string    // run, output, pass, fail, skip, ...
	Package     string    // Suite or group name, optional
	Test        string    // Case identifier; empty for suite-level events
	Description string    // Optional human readable case description
	Output      string    // Output text (may be empty)
	Elapsed     float64   // Elapsed time in seconds for the case
}

type openCase struct {
	id          string
	description string
	started     time.Time
	output      strings.Builder
}

type jsonDecoder struct {
	open  map[caseKey]*openCase
	order []caseKey

	// Each package (suite group) ends with its own terminal event
	seen     map[string]bool
	finished map[string]bool
	nRecord  int
}

type caseKey struct {
	pkg  string
	test string
}

func newJSONDecoder() *jsonDecoder {
	return &jsonDecoder{
		open:     make(map[caseKey]*openCase),
		seen:     make(map[string]bool),
		finished: make(map[string]bool),
	}
}

func (d *jsonDecoder) decode(line string) []types.ConformanceCase {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	var event SuiteEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil || event.Action == "" {
		return nil
	}
	d.nRecord++
	terminal := event.Action == ActionPass || event.Action == ActionFail || event.Action == ActionSkip
	// An unnamed suite-level preamble does not open a package
	if event.Package != "" || event.Test != "" || terminal {
		d.seen[event.Package] = true
	}

	if event.Test == "" {
		if terminal {
			d.finished[event.Package] = true
		}
		return nil
	}

	key := caseKey{pkg: event.Package, test: event.Test}
	switch event.Action {
	case ActionRun, ActionStart:
		c := d.get(key)
		if c.started.IsZero() {
			c.started = event.Time
		}
		if event.Description != "" {
			c.description = event.Description
		}
		return nil
	case ActionOutput:
		d.get(key).output.WriteString(event.Output)
		return nil
	case ActionPause, ActionCont, ActionBench:
		return nil
	case ActionPass, ActionFail, ActionSkip:
		return []types.ConformanceCase{d.close(key, event, types.CaseStatus(event.Action), "")}
	default:
		return []types.ConformanceCase{d.close(key, event, types.CaseStatusSkip,
			fmt.Sprintf("undeterminable result: unknown action %q", event.Action))}
	}
}

// caseID qualifies the test name with its package when one is set
func caseID(key caseKey) string {
	if key.pkg == "" {
		return key.test
	}
	return key.pkg + "/" + key.test
}

func (d *jsonDecoder) get(key caseKey) *openCase {
	c, ok := d.open[key]
	if !ok {
		c = &openCase{id: caseID(key)}
		d.open[key] = c
		d.order = append(d.order, key)
	}
	return c
}

func (d *jsonDecoder) close(key caseKey, event SuiteEvent, status types.CaseStatus, note string) types.ConformanceCase {
	c := d.get(key)
	delete(d.open, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}

	result := types.ConformanceCase{
		ID:          c.id,
		Description: c.description,
		Status:      status,
	}
	if event.Description != "" {
		result.Description = event.Description
	}
	switch {
	case event.Elapsed > 0:
		result.Duration = time.Duration(event.Elapsed * float64(time.Second))
	case !c.started.IsZero() && !event.Time.IsZero():
		result.Duration = event.Time.Sub(c.started)
	}
	if status != types.CaseStatusPass {
		result.Diagnostic = joinDiagnostic(note, caseOutput(c.output.String()))
	}
	return result
}

func (d *jsonDecoder) flush() []types.ConformanceCase {
	var cases []types.ConformanceCase
	for _, key := range d.order {
		c := d.open[key]
		cases = append(cases, types.ConformanceCase{
			ID:          c.id,
			Description: c.description,
			Status:      types.CaseStatusSkip,
			Diagnostic:  joinDiagnostic("undeterminable result: case never reported a status", caseOutput(c.output.String())),
		})
	}
	d.open = make(map[caseKey]*openCase)
	d.order = nil
	return cases
}

// complete reports whether every package that appeared in the stream
// emitted its terminal event.
func (d *jsonDecoder) complete() bool {
	if len(d.seen) == 0 {
		return false
	}
	for pkg := range d.seen {
		if !d.finished[pkg] {
			return false
		}
	}
	return true
}

func (d *jsonDecoder) bailed() (string, bool) { return "", false }
func (d *jsonDecoder) records() int           { return d.nRecord }

// caseOutput drops the framing lines test2json repeats in the output stream
func caseOutput(output string) string {
	var kept []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "=== ") || strings.HasPrefix(trimmed, "--- ") {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	return strings.Join(kept, "\n")
}

func joinDiagnostic(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
