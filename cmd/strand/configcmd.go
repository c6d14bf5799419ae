package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `# strand configuration
provider:
  name: anthropic            # anthropic or openai
  # api_key defaults to ANTHROPIC_API_KEY / OPENAI_API_KEY
  # default_model: claude-sonnet-4-5

run:
  max_iterations: 10
  # max_tool_calls: 0        # 0 = unlimited
  # instructions: ""
  # history_mode: full       # full, compacted, or hybrid

permissions:
  default_scope: once        # once, session, always, or never
  # allowlist: []
  # blocklist: []

context:
  strategy: default_rolling  # default_rolling or algorithmic_tool_offload
  budget:
    model_context_limit: 200000
    reserved_output: 8192

sessions:
  backend: file              # memory, file, or empty to disable
  # dir: ~/.strand/sessions

logging:
  level: info
  format: json

metrics:
  enabled: false
  listen: ":9464"
`

func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the strand configuration",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default strand.yaml)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented sample config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd)
	return cmd
}
