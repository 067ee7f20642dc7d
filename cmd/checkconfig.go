package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/motionworks/machined/internal/config"
)

// CreateCheckConfigCmd creates the check-config command.
func CreateCheckConfigCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		Long: `Parses the TOML configuration file and prints the effective logging ` +
			`configuration. Exits non-zero if the file cannot be parsed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("reading %s: %w", configFile, err)
			}
			var parsed map[string]any
			if err := toml.Unmarshal(data, &parsed); err != nil {
				return fmt.Errorf("parsing %s: %w", configFile, err)
			}

			sections := make([]string, 0, len(parsed))
			for section := range parsed {
				sections = append(sections, section)
			}
			sort.Strings(sections)
			fmt.Printf("%s: OK (%d sections: %v)\n", configFile, len(sections), sections)

			logCfg := config.LoadLoggingConfig(configFile)
			fmt.Printf("logging: level=%s format=%s modules=%v\n",
				logCfg.Level, logCfg.Format, logCfg.Modules)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "machined.toml", "Path to configuration file")
	return cmd
}
