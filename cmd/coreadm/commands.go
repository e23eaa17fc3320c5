package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/corestated/corestated/internal/runtimeconfig"
	"github.com/corestated/corestated/internal/corestate"
	"github.com/spf13/cobra"
)

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd(envCfg runtimeconfig.EnvConfig) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "coreadm",
		Short:        "coreadm - declarative state and tool-orchestration control",
		Long:         `coreadm applies desired-state documents, inspects observed state, and invokes registered tools directly, against the same core the boundary surfaces mount.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildApplyCmd(envCfg),
		buildGetStateCmd(envCfg),
		buildToolsCmd(envCfg),
	)

	return rootCmd
}

func buildApplyCmd(envCfg runtimeconfig.EnvConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a desired-state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			raw, err := os.ReadFile(path)
			if err != nil {
				return invalidInvocation(fmt.Errorf("read %s: %w", path, err))
			}

			core, err := newCore(envCfg)
			if err != nil {
				return notReachable(err)
			}

			results, err := core.SetAllState(cmd.Context(), raw)
			if err != nil {
				return invalidInvocation(err)
			}

			if err := encodeJSON(cmd, results); err != nil {
				return err
			}

			if anyFailed(results) {
				return semanticFailure(fmt.Errorf("coreadm: one or more plugins failed to apply"))
			}
			return nil
		},
	}
}

func buildGetStateCmd(envCfg runtimeconfig.EnvConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "get-state [plugin]",
		Short: "Print observed state for one plugin, or every plugin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pluginName := ""
			if len(args) == 1 {
				pluginName = args[0]
			}

			core, err := newCore(envCfg)
			if err != nil {
				return notReachable(err)
			}

			doc, err := core.GetState(cmd.Context(), pluginName)
			if err != nil {
				return invalidInvocation(err)
			}

			return encodeJSON(cmd, doc)
		},
	}
}

func buildToolsCmd(envCfg runtimeconfig.EnvConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke registered tools",
	}
	cmd.AddCommand(buildToolsListCmd(envCfg), buildToolsCallCmd(envCfg))
	return cmd
}

func buildToolsListCmd(envCfg runtimeconfig.EnvConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tool catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := newCore(envCfg)
			if err != nil {
				return notReachable(err)
			}
			return encodeJSON(cmd, core.ListTools())
		},
	}
}

func buildToolsCallCmd(envCfg runtimeconfig.EnvConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "call <name> <json>",
		Short: "Invoke one tool directly, bypassing the orchestrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, rawArgs := args[0], args[1]
			if !json.Valid([]byte(rawArgs)) {
				return invalidInvocation(fmt.Errorf("coreadm: args must be valid JSON"))
			}

			core, err := newCore(envCfg)
			if err != nil {
				return notReachable(err)
			}

			res := core.ExecuteTool(cmd.Context(), name, json.RawMessage(rawArgs))
			if err := encodeJSON(cmd, res); err != nil {
				return err
			}

			if res.Error != nil {
				return semanticFailure(fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message))
			}
			return nil
		},
	}
}

func anyFailed(results map[string]corestate.ApplyResult) bool {
	for _, r := range results {
		if len(r.FailedActions) > 0 {
			return true
		}
	}
	return false
}

func encodeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
