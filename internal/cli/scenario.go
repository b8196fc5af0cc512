package cli

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/habitsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	GoldenDir string // compare against (or with Update, write) golden files here
	Update    bool
	Filter    string // glob over scenario names
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name    string   `json:"name"`
	Pass    bool     `json:"pass"`
	Landing string   `json:"landing,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>...",
		Short: "Replay bootstrap scenarios against in-memory fakes",
		Long: `Run YAML bootstrap scenarios. Each scenario scripts the stored credential,
auth provider events, profile document and store faults, then checks the
landing decision against its expectations and, with --golden, against a
golden decision trace.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing files, bad filter, etc.)

Examples:
  habitsync scenario ./testdata/scenarios
  habitsync scenario ./testdata/scenarios --filter "fetch_*"
  habitsync scenario ./testdata/scenarios --golden ./testdata/golden --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "directory of golden decision traces")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("scenario path %s", p), err)
		}
		files = append(files, found...)
	}

	summary := ScenarioSummary{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	w := cmd.OutOrStdout()
	text := opts.Format != "json"

	// Scenario runs log every absorbed failure; keep them out of the report
	// unless asked.
	if !opts.Verbose {
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		defer slog.SetDefault(prev)
	}

	for _, file := range files {
		res := runScenario(cmd, file, opts)
		summary.Scenarios = append(summary.Scenarios, res)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		if text {
			writeScenarioLine(w, res)
		}
	}

	out := newFormatter(cmd, opts.RootOptions)
	if summary.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", summary.Failed)
		if text {
			fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
		} else if err := out.Error("E_SCENARIO_FAILED", msg, summary); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	return out.Success(summary, func(w io.Writer) {
		if summary.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	})
}

// findScenarioFiles expands path into YAML scenario files. A file is taken
// as is; a directory is walked.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			if matched, _ := filepath.Match(filter, name); !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

func runScenario(cmd *cobra.Command, file string, opts *ScenarioOptions) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("load: %v", err)},
		}
	}

	result, err := harness.Run(cmd.Context(), scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("run: %v", err)},
		}
	}

	res := ScenarioResult{
		Name:    scenario.Name,
		Pass:    result.Pass,
		Landing: result.Decision.Landing.String(),
		Errors:  result.Errors,
	}
	if opts.GoldenDir == "" {
		return res
	}

	snapshot, err := harness.MarshalSnapshot(scenario.Name, result)
	if err != nil {
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("snapshot: %v", err))
		return res
	}
	golden := filepath.Join(opts.GoldenDir, scenario.Name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err == nil {
			err = os.WriteFile(golden, snapshot, 0o644)
		}
		if err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, fmt.Sprintf("update golden: %v", err))
		}
		return res
	}

	want, err := os.ReadFile(golden)
	switch {
	case err != nil:
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("read golden: %v", err))
	case !bytes.Equal(want, snapshot):
		res.Pass = false
		res.Errors = append(res.Errors, "decision trace does not match golden file (run with --update to regenerate)")
	}
	return res
}

func writeScenarioLine(w io.Writer, res ScenarioResult) {
	if res.Pass {
		fmt.Fprintf(w, "✓ %s (%s)\n", res.Name, res.Landing)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
