package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/streamplug/streamplug/internal/domain/permission"
)

func init() {
	rootCmd.AddCommand(newGrantCmd())
}

func newGrantCmd() *cobra.Command {
	var noInteractive bool

	cmd := &cobra.Command{
		Use:   "grant [permission...]",
		Short: "Edit the host permission allowlist",
		Long: `Choose which capability permissions plugins may be granted. A plugin
only ever receives permissions it declared AND this allowlist contains.`,
		Example: `  streamplug grant
  streamplug grant core:log chat:send --no-interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			catalog := permission.DefaultCatalog()
			selected := args

			if noInteractive {
				for _, token := range selected {
					if !catalog.Knows(permission.ID(token)) {
						return fmt.Errorf("unknown permission %q", token)
					}
				}
			} else {
				current := permission.FromStrings(cfg.Allowlist)
				options := make([]huh.Option[string], 0, len(catalog))
				for _, id := range catalog.IDs() {
					desc, _ := catalog.Describe(id)
					label := fmt.Sprintf("%s (%s)", id, desc)
					options = append(options,
						huh.NewOption(label, string(id)).Selected(current.Has(id)))
				}

				err = huh.NewMultiSelect[string]().
					Title("Permissions plugins may be granted").
					Options(options...).
					Value(&selected).
					Run()
				if err != nil {
					return err
				}
			}

			viper.Set("allowlist", selected)
			if err := writeAllowlist(); err != nil {
				return err
			}

			if len(selected) == 0 {
				fmt.Println("Allowlist cleared; plugins receive no permissions.")
				return nil
			}
			fmt.Printf("Allowlist updated: %s\n", strings.Join(selected, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noInteractive, "no-interactive", false, "write the given permissions without prompting")

	return cmd
}

func writeAllowlist() error {
	if err := viper.WriteConfig(); err == nil {
		return nil
	}
	// No config file yet; create the default one.
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("find home directory: %w", err)
	}
	return viper.WriteConfigAs(home + "/.streamplug.yaml")
}
