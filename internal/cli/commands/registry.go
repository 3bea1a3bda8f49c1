package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conduit-lang/attrdb/internal/cli/config"
	"github.com/conduit-lang/attrdb/internal/cli/ui"
	"github.com/conduit-lang/attrdb/internal/orm/codegen"
	"github.com/conduit-lang/attrdb/internal/orm/dialect"
	"github.com/conduit-lang/attrdb/internal/orm/migrate"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/spf13/cobra"
)

func newRegistryCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect attribute registries",
	}
	cmd.AddCommand(newRegistryCheckCommand(flags))
	cmd.AddCommand(newRegistryDDLCommand(flags))
	cmd.AddCommand(newRegistryApplyCommand(flags))
	return cmd
}

// registryPath returns the explicit argument, or the registry named in attrdb.yml
func (f *globalFlags) registryPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return "", err
	}
	return cfg.Registry, nil
}

func newRegistryCheckCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [registry.yml]",
		Short: "Load and validate a registry",
		Long: `Load a registry file, validate every attribute, and print its entities.
Without an argument the registry named in attrdb.yml is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := flags.registryPath(args)
			if err != nil {
				return err
			}

			reg, err := flags.loadRegistry(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ui.Header(out, "Registry "+path, flags.noColor)

			table := ui.NewTable(out, flags.noColor, "ENTITY", "TABLE", "DATABASE", "IDENTITY", "ATTRIBUTES")
			attributes := 0
			for _, entity := range reg.Entities() {
				n := len(entity.Attributes())
				attributes += n
				table.AddRow(entity.Name, entity.Table, entity.Database,
					fmt.Sprintf("%s (%s)", entity.Identity.Key, entity.Identity.Type), strconv.Itoa(n))
			}
			table.Render()
			fmt.Fprintln(out)

			graph := schema.NewReferenceGraph(reg)
			if order, err := graph.TopologicalSort(); err == nil {
				fmt.Fprintf(out, "Insert order: %s\n\n", strings.Join(order, ", "))
			} else {
				ui.WriteError(out, ui.ErrorOptions{
					Level:       ui.ErrorLevelWarning,
					Context:     "REFERENCE CYCLE",
					Problem:     "rows of these entities cannot all be created in one save",
					Consequence: strings.TrimSpace(schema.FormatCycles(graph.DetectCycles())),
					NoColor:     flags.noColor,
				})
				fmt.Fprintln(out)
			}

			ui.WriteSuccess(out, fmt.Sprintf("registry is valid: %d entities, %d attributes", reg.Count(), attributes), flags.noColor)
			return nil
		},
	}
}

func newRegistryDDLCommand(flags *globalFlags) *cobra.Command {
	var (
		driver     string
		schemaName string
		database   string
	)

	cmd := &cobra.Command{
		Use:   "ddl [registry.yml]",
		Short: "Print the DDL creating a registry's tables and sequences",
		Example: `  attrdb registry ddl --driver pgx --schema shop | psql
  attrdb registry ddl --driver sqlite3 registry.yml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := flags.registryPath(args)
			if err != nil {
				return err
			}
			reg, err := flags.loadRegistry(path)
			if err != nil {
				return err
			}

			d, err := dialect.ForDriver(driver, schemaName)
			if err != nil {
				return err
			}
			stmts, err := codegen.NewDDLGenerator(d).Generate(reg, database)
			if err != nil {
				return err
			}
			for _, stmt := range stmts {
				fmt.Fprintln(cmd.OutOrStdout(), stmt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "pgx", "database driver (pgx, postgres, sqlite3)")
	cmd.Flags().StringVar(&schemaName, "schema", "", "Postgres schema qualifying tables and sequences")
	cmd.Flags().StringVar(&database, "database", "", "only entities of this logical database")

	return cmd
}

func newRegistryApplyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Create the registry's tables and sequences in every configured database",
		Long: `Generate the DDL of each configured database's entities and apply it in one
transaction per database. A database that already received the same DDL is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, closeEnv, err := flags.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			out := cmd.OutOrStdout()
			for _, name := range flags.config.DatabaseNames() {
				p, err := env.Pools.Pool(name)
				if err != nil {
					return err
				}
				stmts, err := codegen.NewDDLGenerator(p.Dialect).Generate(env.Registry, name)
				if err != nil {
					return err
				}

				applied, err := migrate.NewRunner(p.DB, p.Dialect, env.Logger).Apply(cmd.Context(), stmts)
				if err != nil {
					return fmt.Errorf("database %s: %w", name, err)
				}
				if applied {
					ui.WriteSuccess(out, fmt.Sprintf("%s: applied %d statements", name, len(stmts)), flags.noColor)
				} else {
					fmt.Fprintf(out, "%s: schema up to date\n", name)
				}
			}
			return nil
		},
	}
}
