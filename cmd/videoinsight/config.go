package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/videoinsight/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config (file, env and defaults merged)",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(redact(*cfg))
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", cfgPath, out)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cfgPath)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// redact hides credentials in a copy of c.
func redact(c config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Transcription.APIKey = mask(c.Transcription.APIKey)
	c.Artifacts.MinIO.SecretKey = mask(c.Artifacts.MinIO.SecretKey)
	keys := make([]string, len(c.Analysis.APIKeys))
	for i, k := range c.Analysis.APIKeys {
		keys[i] = mask(k)
	}
	c.Analysis.APIKeys = keys
	return c
}
