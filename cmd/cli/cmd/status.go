package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"podlauncher/pkg/api"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job_id] [attempt_id]",
		Short: "Get status of a job attempt",
		Long:  `Retrieve the status of a job attempt: its current state (NOT_STARTED, INITIALIZING, RUNNING, SUCCEEDED, FAILED), exit code, failure cause and output.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			jobID := args[0]
			attemptID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				cmd.Printf("Error: invalid attempt id %q\n", args[1])
				return
			}

			client := newClient(cmd)
			if client == nil {
				return
			}

			execution, err := client.GetExecution(jobID, attemptID)
			if err != nil {
				printAPIError(cmd, "Status", err)
				return
			}

			printStatus(cmd, *execution)
		},
	}
}

func printStatus(cmd *cobra.Command, execution api.ExecutionResponse) {
	// Header with status icon
	icon := statusIcon(execution.Status)
	cmd.Printf("%s %sExecution Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sExecution:%s   %s/%s\n", colorDim, colorReset, execution.Namespace, execution.Name)

	// Status with icon
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(execution.Status))

	// Exit Code
	if execution.ExitCode != nil {
		exitCode := *execution.ExitCode
		if exitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, exitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, exitCode, colorReset)
		}
	} else {
		cmd.Printf("%sExit Code:%s   -\n", colorDim, colorReset)
	}

	if execution.Cause != "" {
		cmd.Printf("%sCause:%s       %s%s%s\n", colorDim, colorReset, colorRed, execution.Cause, colorReset)
	}

	cmd.Printf("%sUpdated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(execution.UpdatedAt))

	if len(execution.Output) > 0 {
		cmd.Printf("%sOutput:%s      %s\n", colorDim, colorReset, string(execution.Output))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "SUCCEEDED":
		return colorGreen + "✓" + colorReset
	case "FAILED":
		return colorRed + "✗" + colorReset
	case "RUNNING":
		return colorYellow + "⏳" + colorReset
	case "INITIALIZING", "NOT_STARTED":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "SUCCEEDED":
		return icon + " " + colorGreen + status + colorReset
	case "FAILED":
		return icon + " " + colorRed + status + colorReset
	case "RUNNING":
		return icon + " " + colorYellow + status + colorReset
	case "INITIALIZING", "NOT_STARTED":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}
