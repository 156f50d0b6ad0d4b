package reporting

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/ethereum-optimism/infra/op-conform/types"
)

const (
	SummaryFilename = "summary.txt"
	ReportFilename  = "report.json"

	// Output tails are cut to this many lines in the rendered summary
	maxTailLines = 40
)

// Print renders the report to stdout, with colours only on a terminal
func (r *Report) Print() {
	r.Render(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

// Render writes the case table followed by the outcome summary
func (r *Report) Render(w io.Writer, styled bool) {
	if len(r.Cases) > 0 {
		r.renderCases(w, styled)
	}

	fmt.Fprintf(w, "\nResult: %s (exit code %d)\n", r.outcome(), r.ExitCode)
	if r.Stage != "" {
		fmt.Fprintf(w, "Failed stage: %s\n", r.Stage)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
	for _, c := range r.FailedCases {
		fmt.Fprintf(w, "  FAIL %s: %s\n", c.DisplayName(), c.FirstDiagnosticLine())
	}
	for _, out := range r.Outputs {
		fmt.Fprintf(w, "\n--- last output of %s ---\n%s\n", out.Name, lastLines(out.Tail, maxTailLines))
	}
	if len(r.Captures) > 0 {
		fmt.Fprintf(w, "\nCaptured output:\n")
		for _, path := range r.Captures {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
}

func (r *Report) renderCases(w io.Writer, styled bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Conformance Results (%s)", formatDuration(r.Duration)))
	t.AppendHeader(table.Row{"#", "Case", "Duration", "Status", "Diagnostic"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Case", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Diagnostic", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, c := range r.Cases {
		diag := ""
		if c.Status != types.CaseStatusPass {
			diag = c.FirstDiagnosticLine()
		}
		t.AppendRow(table.Row{c.Seq, c.DisplayName(), formatDuration(c.Duration), getCaseString(c.Status), diag})
	}

	t.AppendFooter(table.Row{
		"",
		fmt.Sprintf("TOTAL %d", r.Stats.Total),
		formatDuration(r.Duration),
		fmt.Sprintf("%d/%d/%d", r.Stats.Passed, r.Stats.Failed, r.Stats.Skipped),
		r.outcome(),
	})

	switch {
	case !styled:
		t.SetStyle(table.StyleLight)
	case r.Kind == KindNone:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case r.Kind == KindConformance:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}
	t.Render()
}

func (r *Report) outcome() string {
	switch r.Kind {
	case KindNone:
		return "✓ success"
	case KindConformance:
		return "✗ conformance failure"
	case KindTest:
		return "✗ test failure"
	default:
		return "✗ infrastructure failure"
	}
}

// WriteFiles stores the rendered summary and the JSON report in dir
func (r *Report) WriteFiles(dir string) error {
	var sb strings.Builder
	r.Render(&sb, false)
	if err := os.WriteFile(filepath.Join(dir, SummaryFilename), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReportFilename), data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func getCaseString(status types.CaseStatus) string {
	switch status {
	case types.CaseStatusPass:
		return "✓ pass"
	case types.CaseStatusSkip:
		return "- skip"
	default:
		return "✗ fail"
	}
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
