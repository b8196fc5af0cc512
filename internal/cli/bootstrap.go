package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/habitsync/internal/costmeter"
)

// BootstrapOptions holds flags for the bootstrap command.
type BootstrapOptions struct {
	*RootOptions
	runtimeFlags
}

// BootstrapResult is the outcome of one cold start.
type BootstrapResult struct {
	Landing    string             `json:"landing"`
	State      string             `json:"state"`
	Identity   string             `json:"identity"`
	Session    string             `json:"session"`
	Attempts   int                `json:"attempts"`
	Corrected  bool               `json:"corrected"`
	CeilingHit bool               `json:"ceilingHit"`
	Trace      []string           `json:"trace"`
	Cost       costmeter.Snapshot `json:"cost"`
}

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BootstrapOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Resolve the signed-in user and print the landing screen",
		Long: `Run one cold start: resolve the identity from the stored credential and
the session token file, read the profile, and decide between Login,
Onboarding and Dashboard. The decision always arrives within the landing
ceiling.

Example:
  habitsync bootstrap --db ./habitsync.db --token-file ./session.jwt
  habitsync bootstrap --format json -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.TokenFile, "token-file", "", "session token file to watch (overrides config)")

	return cmd
}

func runBootstrap(opts *BootstrapOptions, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, opts.runtimeFlags)
	if err != nil {
		return err
	}
	defer closeRuntime(context.WithoutCancel(ctx), rt)

	landing := rt.engine.Bootstrap(ctx)
	d := rt.engine.Decision()
	result := BootstrapResult{
		Landing:    landing.String(),
		State:      string(d.State),
		Identity:   rt.engine.Identity().String(),
		Session:    rt.engine.Session(),
		Attempts:   d.Attempts,
		Corrected:  d.Corrected,
		CeilingHit: d.CeilingHit,
		Trace:      d.Trace,
		Cost:       rt.engine.CostSnapshot(),
	}
	logMetrics(rt)

	return newFormatter(cmd, opts.RootOptions).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Landing: %s\n", result.Landing)
		fmt.Fprintf(w, "Identity: %s\n", result.Identity)
		fmt.Fprintf(w, "Onboarding state: %s\n", result.State)
		if opts.Verbose {
			fmt.Fprintf(w, "Session: %s\n", result.Session)
			for _, step := range result.Trace {
				fmt.Fprintf(w, "  %s\n", step)
			}
		}
		writeCost(w, result.Cost)
	})
}

// signalContext cancels on SIGINT/SIGTERM or when the command's own
// context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func writeCost(w io.Writer, s costmeter.Snapshot) {
	fmt.Fprintf(w, "Cost: %d reads, %d writes (est. %.6f)\n", s.Reads, s.Writes, s.EstimatedCost)
}

// logMetrics dumps the cost counters at debug level.
func logMetrics(rt *runtime) {
	families, err := rt.registry.Gather()
	if err != nil {
		slog.Debug("gather metrics failed", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			attrs := []any{"metric", mf.GetName(), "value", m.GetCounter().GetValue()}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			slog.Debug("cost counter", attrs...)
		}
	}
}
