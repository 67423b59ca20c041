package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/duplex/internal/config"
)

// --- call ---

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke a tool on the running server",
	Long: `Invoke a tool on the running server.

Parameters are passed as repeated --param key=value flags. Values that parse
as numbers or booleans are sent as such; everything else is sent as a string.

Examples:
  duplex call get_stats
  duplex call start_job --param subject_id=42
  duplex call submit_feedback --param subject_id=42 --param version=1 \
      --param content="matches legacy ids" --param category=too_broad
  duplex call run_query --param query="SELECT * FROM escalations" --param page_size=20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawParams, _ := cmd.Flags().GetStringArray("param")

		params := make(map[string]any, len(rawParams))
		for _, raw := range rawParams {
			key, value, ok := strings.Cut(raw, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid --param %q: expected key=value", raw)
			}
			params[key] = parseParamValue(value)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.invoke(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}

		if !resp.Success {
			printError("%s: %s", resp.Error.Kind, resp.Error.Message)
			printStep("%s", resp.Error.Suggestion)
			return fmt.Errorf("tool call failed")
		}
		return nil
	},
}

func parseParamValue(value string) any {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func init() {
	callCmd.Flags().StringArray("param", nil, "tool parameter as key=value (repeatable)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
