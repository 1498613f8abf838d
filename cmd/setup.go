package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/alterego/internal/setup"
)

// SetupRunner runs the prerequisite pipeline.
type SetupRunner interface {
	Run(ctx context.Context) (setup.Report, error)
}

// CreateSetupCmd creates the setup command. runner is called after the
// options are parsed.
func CreateSetupCmd(runner func() SetupRunner) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Check and install model server prerequisites",
		Long: `Runs the prerequisite checks (Python, pip packages, Ollama and its model, ` +
			`Hugging Face models) and installs whatever is missing, without starting the model server.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			report, err := runner().Run(ctx)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(report)
			} else {
				WriteReport(os.Stdout, report)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "setup failed:", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

// WriteReport prints one line per step.
func WriteReport(w io.Writer, report setup.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tTIME\tDETAIL")
	for _, s := range report.Steps {
		status := string(s.Status)
		if s.Remediated && s.Status == setup.StatusOK {
			status += " (installed)"
		}
		if s.NonFatal && s.Status == setup.StatusFailed {
			status += " (ignored)"
		}
		detail := s.Message
		if s.Error != "" {
			detail = s.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, status, s.Duration.Round(time.Millisecond), detail)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d steps in %s, %d failed\n", len(report.Steps), report.Duration.Round(time.Millisecond), len(report.Failed()))
}
