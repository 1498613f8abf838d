package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/alterego/internal/readiness"
)

// CreateProbeCmd creates the probe command. prober returns the configured
// readiness check, the URL it targets and the polling policy for --wait.
func CreateProbeCmd(prober func() (readiness.Prober, string, readiness.Policy)) *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether the model server is ready",
		Long: `Sends one readiness request to the model server and reports the outcome. ` +
			`With --wait, keeps polling with the configured warm-up policy until it is ready or attempts run out.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			p, url, policy := prober()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if !wait {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				outcome, err := p.Probe(ctx)
				if err != nil {
					fmt.Printf("%s: %s (%v)\n", url, outcome, err)
				} else {
					fmt.Printf("%s: %s\n", url, outcome)
				}
				if outcome != readiness.Ready {
					os.Exit(1)
				}
				return
			}

			bounded := readiness.ProberFunc(func(ctx context.Context) (readiness.Outcome, error) {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return p.Probe(ctx)
			})
			res := readiness.NewPoller(bounded, policy).Poll(ctx, func(pr readiness.Progress) {
				fmt.Printf("[%3d%%] %s\n", pr.Percent, pr.Message())
			}).Wait()
			if !res.Ready {
				fmt.Fprintln(os.Stderr, "not ready:", res.Err)
				os.Exit(1)
			}
			fmt.Printf("%s: ready after %d attempts (%s)\n", url, res.Attempts, res.Elapsed.Round(time.Millisecond))
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until ready or attempts are exhausted")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Timeout of a single probe")
	return cmd
}
