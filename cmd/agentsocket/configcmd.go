package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chrisboulton/agentsocket-go/internal/config"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(redacted(cfg))
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// redacted returns a copy of cfg with secrets masked and durations rendered.
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	if out.Gateway.Token != "" {
		out.Gateway.Token = "REDACTED"
	}
	if out.Gateway.Nonce != "" {
		out.Gateway.Nonce = "REDACTED"
	}
	out.Session.BaseDelayRaw = out.Session.BaseDelay.String()
	out.Session.TypingTimeoutRaw = out.Session.TypingTimeout.String()
	return out
}
