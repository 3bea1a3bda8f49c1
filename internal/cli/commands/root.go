package commands

import (
	"fmt"
	"runtime"

	"github.com/conduit-lang/attrdb/internal/cli/config"
	"github.com/conduit-lang/attrdb/internal/cli/ui"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// globalFlags holds the persistent flags and the registry loaded by the running command
type globalFlags struct {
	configPath string
	noColor    bool

	registry *schema.Registry
	config   *config.Config
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	return newRootCommand(&globalFlags{})
}

func newRootCommand(flags *globalFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "attrdb",
		Short: "Save attribute deltas and query nested entity trees",
		Long: color.CyanString(`attrdb - attribute-metadata-driven persistence

attrdb writes deltas of attribute changes to PostgreSQL or SQLite in one
transaction and reads nested result trees back, both driven by an
attribute registry.

Commands:
  • registry check   validate a registry file
  • save             write a JSON delta
  • query            resolve a pattern for root entities`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default ./attrdb.yml)")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	// Add subcommands
	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(newRegistryCommand(flags))
	rootCmd.AddCommand(newSaveCommand(flags))
	rootCmd.AddCommand(newQueryCommand(flags))

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the attrdb version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			// Set GoVersion to actual runtime if not set at build time
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			out := cmd.OutOrStdout()
			titleColor := color.New(color.FgCyan, color.Bold)

			titleColor.Fprint(out, "attrdb version: ")
			fmt.Fprintln(out, Version)

			titleColor.Fprint(out, "Git commit: ")
			fmt.Fprintln(out, GitCommit)

			titleColor.Fprint(out, "Build date: ")
			fmt.Fprintln(out, BuildDate)

			titleColor.Fprint(out, "Go version: ")
			fmt.Fprintln(out, goVer)
		},
	}
}

// Execute runs the root command
func Execute() error {
	flags := &globalFlags{}
	rootCmd := newRootCommand(flags)
	if err := rootCmd.Execute(); err != nil {
		ui.WriteError(rootCmd.ErrOrStderr(), ui.DescribeError(err, flags.suggestAttributes, flags.noColor))
		return err
	}
	return nil
}

// suggestAttributes proposes registry attribute keys close to key
func (f *globalFlags) suggestAttributes(key string) []string {
	if f.registry == nil {
		return nil
	}
	var keys []string
	for _, entity := range f.registry.Entities() {
		for _, attr := range entity.Attributes() {
			keys = append(keys, attr.Key)
		}
	}
	return ui.FindSimilar(key, keys, nil)
}
