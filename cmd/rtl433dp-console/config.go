package main

import (
	"github.com/spf13/cobra"
)

func configCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(configPrintCmd(configFile))
	return cmd
}

func configPrintCmd(configFile *string) *cobra.Command {
	var (
		reveal   bool
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the merged configuration, one dotted key per line",
		Long: `Print the configuration the server would start with, after defaults,
the config file and RTL433DP_* environment variables are merged.
Secrets are redacted unless --reveal is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configFile, nil)
			if err != nil {
				return err
			}
			if validate {
				if _, err := cfg.Settings(); err != nil {
					return err
				}
			}
			cfg.Print(cmd.OutOrStdout(), !reveal)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Do not redact secrets")
	cmd.Flags().BoolVar(&validate, "validate", false, "Fail when the configuration is not valid")
	return cmd
}
