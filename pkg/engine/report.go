package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Reporter renders plans and apply results for humans and machines.
type Reporter struct {
	// ShowNoop includes unchanged resources in text output.
	ShowNoop bool
}

var opSymbols = map[OperationType]string{
	OperationCreate:  "+",
	OperationUpdate:  "~",
	OperationDelete:  "-",
	OperationReplace: "-/+",
	OperationNoop:    " ",
}

// WritePlanText renders a human-readable plan.
func (r *Reporter) WritePlanText(w io.Writer, plan *Plan) error {
	fmt.Fprintf(w, "Plan for deployment %q\n\n", plan.Deployment)

	for _, step := range plan.Steps {
		if step.Op == OperationNoop && !r.ShowNoop {
			continue
		}
		fmt.Fprintf(w, "  %-3s %s (%s)\n", opSymbols[step.Op], step.Node.Name, step.Node.Kind)
		if len(step.Forces) > 0 {
			fmt.Fprintf(w, "        forced by immutable change: %s\n", strings.Join(step.Forces, ", "))
		} else if len(step.Changed) > 0 {
			fmt.Fprintf(w, "        changed: %s\n", strings.Join(step.Changed, ", "))
		}
	}

	fmt.Fprintf(w, "\nSummary: %d to create, %d to update, %d to replace, %d to delete, %d unchanged\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Replace,
		plan.Summary.Delete, plan.Summary.Noop)

	if !plan.HasChanges() {
		fmt.Fprintln(w, "\nNo changes. Deployment matches the configuration.")
	}
	return nil
}

// WritePlanJSON renders the plan as indented JSON.
func (r *Reporter) WritePlanJSON(w io.Writer, plan *Plan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

// WriteResultText renders a human-readable apply result.
func (r *Reporter) WriteResultText(w io.Writer, result *Result) error {
	header := "Apply"
	if result.DryRun {
		header = "Apply (dry run)"
	}
	fmt.Fprintf(w, "%s for deployment %q\n\n", header, result.Deployment)

	for _, out := range result.Outcomes {
		if out.Outcome == OutcomeNoop && !r.ShowNoop {
			continue
		}
		line := fmt.Sprintf("  %-8s %s (%s) %s", out.Outcome, out.Name, out.Kind, out.Op)
		if out.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", out.Attempts)
		}
		fmt.Fprintln(w, line)
		switch out.Outcome {
		case OutcomeFailed:
			fmt.Fprintf(w, "           error: %s\n", out.Error)
		case OutcomeBlocked:
			if out.Cause != "" {
				fmt.Fprintf(w, "           blocked by: %s\n", out.Cause)
			}
		}
	}

	fmt.Fprintf(w, "\nResult: %s: %d applied, %d unchanged, %d failed, %d blocked\n",
		result.Status(), result.Summary.Applied, result.Summary.Noop,
		result.Summary.Failed, result.Summary.Blocked)
	return nil
}

// WriteResultJSON renders the apply result as indented JSON.
func (r *Reporter) WriteResultJSON(w io.Writer, result *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// WriteDriftText renders a drift report.
func (r *Reporter) WriteDriftText(w io.Writer, report *DriftReport) error {
	fmt.Fprintf(w, "Drift report for deployment %q\n\n", report.Deployment)

	if len(report.Entries) == 0 {
		fmt.Fprintln(w, "No managed resources.")
		return nil
	}

	drifted := 0
	names := make([]string, 0, len(report.Entries))
	byName := make(map[string]DriftEntry, len(report.Entries))
	for _, e := range report.Entries {
		names = append(names, e.Name)
		byName[e.Name] = e
	}
	sort.Strings(names)

	for _, name := range names {
		e := byName[name]
		switch e.Status {
		case DriftStatusClean:
			if r.ShowNoop {
				fmt.Fprintf(w, "  ok       %s (%s)\n", e.Name, e.Kind)
			}
		case DriftStatusMissing:
			drifted++
			fmt.Fprintf(w, "  missing  %s (%s): resource no longer exists\n", e.Name, e.Kind)
		case DriftStatusDrifted:
			drifted++
			fmt.Fprintf(w, "  drifted  %s (%s): %s\n", e.Name, e.Kind, strings.Join(e.Changed, ", "))
		case DriftStatusError:
			drifted++
			fmt.Fprintf(w, "  error    %s (%s): %s\n", e.Name, e.Kind, e.Error)
		}
	}

	fmt.Fprintf(w, "\n%d of %d resources drifted\n", drifted, len(report.Entries))
	return nil
}

// WriteDriftJSON renders the drift report as indented JSON.
func (r *Reporter) WriteDriftJSON(w io.Writer, report *DriftReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
