package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/reflectd/internal/api"
	"github.com/kalambet/reflectd/internal/config"
	"github.com/kalambet/reflectd/internal/onboarding"
	"github.com/kalambet/reflectd/internal/sample"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Upload a frame (and optional audio clip) for analysis",
	Long: `Upload a frame and an optional audio clip, wait for the analysis and
print the stored result.

Examples:
  reflectd analyze --user u1 --frame ./photo.jpg --audio ./clip.webm
  reflectd analyze --user u1 --frame ./photo.png --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		frame, _ := cmd.Flags().GetString("frame")
		audio, _ := cmd.Flags().GetString("audio")
		asJSON, _ := cmd.Flags().GetBool("json")

		if user == "" || frame == "" {
			return fmt.Errorf("--user and --frame are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), "/api/analyze",
			map[string]string{"user_id": user},
			map[string]string{"frame": frame, "audio": audio},
		)
		if err != nil {
			return err
		}

		var res sample.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, res)
		}
		printResult(os.Stdout, res)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("user", "", "caller id")
	analyzeCmd.Flags().String("frame", "", "path to the image frame")
	analyzeCmd.Flags().String("audio", "", "path to the audio clip (optional)")
	analyzeCmd.Flags().Bool("json", false, "print the raw result document")
}

// --- reconcile ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Process stored uploads that have no result yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/process_uploads", nil)
		if err != nil {
			return err
		}

		var out api.ProcessUploadsResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		printSuccess("Processed %d sample(s)", out.ProcessedCount)
		for _, k := range out.ProcessedKeys {
			fmt.Printf("  %s\n", colorize(colorCyan, string(k)))
		}
		if len(out.Incomplete) > 0 {
			printStatus("Incomplete", "%d sample(s) waiting for a missing artifact", len(out.Incomplete))
		}
		for k, msg := range out.Failed {
			printWarning("%s: %s", k, msg)
		}
		return nil
	},
}

var reconcileHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent reconciliation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/reconcile/runs?limit=%d", limit))
		if err != nil {
			return err
		}

		var runs []api.RunView
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range runs {
			line := fmt.Sprintf("%s  %-8s  processed %d  %dms",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Trigger, r.ProcessedCount, r.DurationMs)
			if r.Error != "" {
				line += "  " + colorize(colorRed, r.Error)
			} else if len(r.Failed) > 0 {
				line += "  " + colorize(colorYellow, fmt.Sprintf("%d failed", len(r.Failed)))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	reconcileHistoryCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	reconcileCmd.AddCommand(reconcileHistoryCmd)
}

// --- results ---

var resultsCmd = &cobra.Command{
	Use:   "results [sample-key]",
	Short: "List stored results, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			resp, err := client.get(cmd.Context(), "/api/results/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var res sample.Result
			if err := decodeJSON(resp, &res); err != nil {
				return err
			}
			return printJSON(os.Stdout, res)
		}

		caller, _ := cmd.Flags().GetString("user")
		resp, err := client.get(cmd.Context(), "/api/results")
		if err != nil {
			return err
		}
		var list struct {
			Keys []sample.Key `json:"keys"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		shown := 0
		for _, k := range list.Keys {
			if caller != "" && k.CallerID() != caller {
				continue
			}
			fmt.Println(k)
			shown++
		}
		if shown == 0 {
			fmt.Println("No results found.")
		}
		return nil
	},
}

func init() {
	resultsCmd.Flags().String("user", "", "only list results for this caller id")
}

// --- onboarding ---

var onboardingCmd = &cobra.Command{
	Use:   "onboarding",
	Short: "Show or update onboarding preferences",
}

var onboardingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the onboarding config for a user (or the global default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/onboarding/config?user_id="+url.QueryEscape(user))
		if err != nil {
			return err
		}

		var body struct {
			Configured bool              `json:"configured"`
			Config     onboarding.Config `json:"config"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if !body.Configured {
			printWarning("no onboarding config saved")
			return nil
		}
		return printJSON(os.Stdout, body.Config)
	},
}

var onboardingSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save the onboarding config for a user (or the global default)",
	Long: `Save the onboarding config for a user, from flags or a JSON file.

Examples:
  reflectd onboarding set --user u1 --mode coach --tone warm --depth light \
    --intervention reflective --frequency daily --audio
  reflectd onboarding set --file ./onboarding.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		file, _ := cmd.Flags().GetString("file")

		cfg, err := onboardingFromFlags(cmd, file)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/onboarding/config?user_id="+url.QueryEscape(user), cfg)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if user == "" {
			user = "global default"
		}
		printSuccess("Saved onboarding config for %s", user)
		return nil
	},
}

// onboardingFromFlags builds a Config from --file, then overlays any
// explicitly set field flags.
func onboardingFromFlags(cmd *cobra.Command, file string) (onboarding.Config, error) {
	var cfg onboarding.Config
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("reading file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("invalid JSON in %s: %w", file, err)
		}
	}

	fields := map[string]*string{
		"mode":         &cfg.Mode,
		"tone":         &cfg.Tone,
		"depth":        &cfg.Depth,
		"intervention": &cfg.InterventionType,
		"frequency":    &cfg.Frequency,
	}
	for name, dst := range fields {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetString(name)
			*dst = strings.TrimSpace(v)
		}
	}
	if cmd.Flags().Changed("audio") {
		cfg.AudioEnabled, _ = cmd.Flags().GetBool("audio")
	}
	return cfg, nil
}

func init() {
	onboardingShowCmd.Flags().String("user", "", "user id (empty for the global default)")

	onboardingSetCmd.Flags().String("user", "", "user id (empty for the global default)")
	onboardingSetCmd.Flags().String("file", "", "JSON file with the full config")
	onboardingSetCmd.Flags().String("mode", "", "assistant mode, e.g. coach")
	onboardingSetCmd.Flags().String("tone", "", "reply tone, e.g. warm")
	onboardingSetCmd.Flags().String("depth", "", "conversation depth, e.g. light")
	onboardingSetCmd.Flags().String("intervention", "", "preferred intervention type")
	onboardingSetCmd.Flags().String("frequency", "", "check-in frequency")
	onboardingSetCmd.Flags().Bool("audio", false, "enable audio capture")

	onboardingCmd.AddCommand(onboardingShowCmd)
	onboardingCmd.AddCommand(onboardingSetCmd)
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

		fmt.Printf("%s\n", colorize(colorBold, config.ConfigFile()))
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
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
