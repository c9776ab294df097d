package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"orthrus/soar"
)

// outputAsJSON marshals a value to indented JSON on stdout.
func outputAsJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderValidationError prints one playbook validation problem.
func renderValidationError(ve *soar.ValidationError) {
	if ve.StepID != "" {
		fmt.Printf("  step %-20s %s: %s\n", ve.StepID, ve.Field, ve.Msg)
		return
	}
	fmt.Printf("  %s: %s\n", ve.Field, ve.Msg)
}

// renderPlaybooksTable displays playbooks in a formatted table.
func renderPlaybooksTable(playbooks []*soar.Playbook) {
	if len(playbooks) == 0 {
		warningColor.Println("No playbooks found")
		return
	}

	headerColor.Println("PLAYBOOKS")
	headerColor.Println(strings.Repeat("=", 110))
	fmt.Printf("%-10s %-28s %-10s %-12s %-8s %-8s %-8s %-10s\n",
		"ID", "Name", "Version", "Trigger", "Steps", "Enabled", "Priority", "Org")
	fmt.Println(strings.Repeat("-", 110))

	for _, pb := range playbooks {
		shortID := pb.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		name := pb.Name
		if len(name) > 27 {
			name = name[:24] + "..."
		}
		enabled := "No"
		if pb.Enabled {
			enabled = "Yes"
		}
		fmt.Printf("%-10s %-28s %-10d %-12s %-8d %-8s %-8d %-10s\n",
			shortID, name, pb.Version, pb.Trigger.Type, len(pb.Steps), enabled, pb.Priority, pb.OrganizationID)
	}

	fmt.Println(strings.Repeat("=", 110))
	fmt.Printf("Total: %d playbook(s)\n", len(playbooks))
}

// renderExecutionResult prints the outcome of a finished execution
// with a per-step breakdown.
func renderExecutionResult(exec *soar.Execution) {
	fmt.Println()
	switch exec.Status {
	case soar.ExecutionStatusCompleted:
		successColor.Printf("✓ Execution %s completed\n", exec.ID)
	case soar.ExecutionStatusCancelled:
		warningColor.Printf("⚠ Execution %s cancelled\n", exec.ID)
	default:
		errorColor.Printf("✗ Execution %s %s\n", exec.ID, exec.Status)
		if exec.Error != "" {
			errorColor.Printf("  %s\n", exec.Error)
		}
	}

	fmt.Printf("  Steps: %d total, %d executed, %d skipped\n",
		exec.StepsTotal, exec.StepsCompleted, exec.StepsSkipped)
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		fmt.Printf("  Duration: %s\n", exec.CompletedAt.Sub(*exec.StartedAt).Round(time.Millisecond))
	}

	if len(exec.StepRuns) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("  %-20s %-14s %-10s %-10s %s\n", "Step", "Status", "Attempts", "Duration", "Error")
	fmt.Println("  " + strings.Repeat("-", 80))
	for _, run := range exec.StepRuns {
		errMsg := run.Error
		if len(errMsg) > 32 {
			errMsg = errMsg[:29] + "..."
		}
		fmt.Printf("  %-20s %-14s %-10d %-10s %s\n",
			run.StepID, formatStepStatus(run.Status), run.Attempts,
			(time.Duration(run.DurationMS) * time.Millisecond).String(), errMsg)
	}
}

func formatStepStatus(status soar.StepStatus) string {
	switch status {
	case soar.StepStatusCompleted:
		return successColor.Sprint(string(status))
	case soar.StepStatusFailed:
		return errorColor.Sprint(string(status))
	case soar.StepStatusSkipped:
		return warningColor.Sprint(string(status))
	default:
		return string(status)
	}
}
