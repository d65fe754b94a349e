package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marius-posa/codeql-devin-fixer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, validate and inspect fixer configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if jsonOutput() {
			type fieldError struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			}
			out := make([]fieldError, len(errs))
			for i, e := range errs {
				out[i] = fieldError{e.Field, e.Message}
			}
			if err := writeJSON(cmd, map[string]interface{}{"valid": len(errs) == 0, "errors": out}); err != nil {
				return err
			}
		} else if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
		} else {
			for _, e := range errs {
				cmd.Printf("  %-40s %s\n", e.Field, e.Message)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration with defaults filled in",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if jsonOutput() {
			return writeJSON(cmd, cfg)
		}
		return writeYAML(cmd, cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter fixer.yaml with every default spelled out",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "fixer.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		importance := 50.0
		cfg := config.Default()
		cfg.Fixer.Repos = []config.Repo{{
			URL:        "https://github.com/OWNER/REPO",
			Importance: &importance,
			AutoScan:   true,
			Schedule:   "weekly",
		}}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		cmd.Printf("Wrote %s.\n", path)
		return nil
	},
}

func writeYAML(cmd *cobra.Command, v interface{}) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return enc.Close()
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
