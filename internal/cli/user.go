package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/engine"
)

// UserOptions holds flags shared by the user subcommands.
type UserOptions struct {
	*RootOptions
	runtimeFlags
}

// UserGetResult is the output of `user get`.
type UserGetResult struct {
	Profile *document.UserProfile `json:"profile"`
	Cost    costmeter.Snapshot    `json:"cost"`
}

// UserSetResult is the output of `user set`.
type UserSetResult struct {
	UID        string             `json:"uid"`
	Batched    int                `json:"batched"`
	Individual int                `json:"individual"`
	Dropped    int                `json:"dropped"`
	Cost       costmeter.Snapshot `json:"cost"`
}

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UserOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Read or update a user profile",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(&cobra.Command{
		Use:     "get <uid>",
		Short:   "Print a user profile through the read cache",
		Example: `  habitsync user get u1
  habitsync user get u1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserGet(opts, args[0], cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <uid> key=value...",
		Short: "Merge fields into a user profile",
		Long: `Queue one merge write per key=value pair and flush them as a batch.
Values are parsed as JSON when possible (numbers, booleans, arrays) and
taken as strings otherwise. An empty value deletes the field.`,
		Example: `  habitsync user set u1 xp=120 streak=4
  habitsync user set u1 'badges=["early-bird"]' nickname=ana`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserSet(opts, args[0], args[1:], cmd)
		},
	})

	return cmd
}

func runUserGet(opts *UserOptions, uid string, cmd *cobra.Command) error {
	if err := document.UserRef(uid).Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid uid", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, opts.runtimeFlags)
	if err != nil {
		return err
	}
	defer closeRuntime(context.WithoutCancel(ctx), rt)

	profile, err := rt.engine.GetUser(ctx, uid)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read profile", err)
	}
	result := UserGetResult{Profile: profile, Cost: rt.engine.CostSnapshot()}

	out := newFormatter(cmd, opts.RootOptions)
	if profile == nil {
		if err := out.Error("E_NOT_FOUND", fmt.Sprintf("no profile for %s", uid), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("no profile for %s", uid))
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "User: %s\n", profile.ID)
		fmt.Fprintf(w, "Onboarding: %s\n", profile.State())
		keys := make([]string, 0, len(profile.Fields))
		for k := range profile.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := document.MarshalCanonical(profile.Fields[k])
			if err != nil {
				v = []byte(fmt.Sprint(profile.Fields[k]))
			}
			fmt.Fprintf(w, "  %s = %s\n", k, v)
		}
		writeCost(w, result.Cost)
	})
}

func runUserSet(opts *UserOptions, uid string, pairs []string, cmd *cobra.Command) error {
	if err := document.UserRef(uid).Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid uid", err)
	}
	partials, err := parseAssignments(pairs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid assignment", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, opts.runtimeFlags)
	if err != nil {
		return err
	}
	defer closeRuntime(context.WithoutCancel(ctx), rt)

	for _, p := range partials {
		if err := rt.engine.UpdateUser(uid, p); err != nil {
			return WrapExitError(ExitCommandError, "failed to queue write", err)
		}
	}
	res := rt.engine.Flush(ctx)
	result := UserSetResult{
		UID:        uid,
		Batched:    res.Batched,
		Individual: res.Individual,
		Dropped:    res.Dropped,
		Cost:       rt.engine.CostSnapshot(),
	}

	out := newFormatter(cmd, opts.RootOptions)
	if res.Dropped > 0 {
		msg := fmt.Sprintf("%d of %d writes dropped", res.Dropped, len(partials))
		if err := out.Error(errorCode(res.BatchErr), msg, result); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, msg, res.BatchErr)
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Updated %s: %d batched, %d individually\n", uid, res.Batched, res.Individual)
		writeCost(w, result.Cost)
	})
}

// parseAssignments turns key=value arguments into one partial each.
func parseAssignments(pairs []string) ([]document.Partial, error) {
	out := make([]document.Partial, 0, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: expected key=value", pair)
		}
		out = append(out, document.Partial{key: parseValue(raw)})
	}
	return out, nil
}

// parseValue decodes raw as JSON, keeping integers exact. Anything that is
// not valid JSON is a plain string; an empty value is nil, which deletes
// the field on merge.
func parseValue(raw string) any {
	if raw == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

// errorCode maps a sync failure to its taxonomy code for JSON output.
func errorCode(err error) string {
	if code := engine.ErrorCodeOf(err); code != "" {
		return string(code)
	}
	return "E_WRITE_DROPPED"
}
