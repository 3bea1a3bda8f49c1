package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/conduit-lang/attrdb/internal/cli/config"
	"github.com/conduit-lang/attrdb/internal/cli/ui"
	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/ident"
	"github.com/conduit-lang/attrdb/internal/orm/save"
	"github.com/conduit-lang/attrdb/internal/orm/transaction"
	"github.com/conduit-lang/attrdb/pkg/attrdb"
	"github.com/spf13/cobra"
)

func newSaveCommand(flags *globalFlags) *cobra.Command {
	var (
		dryRun    bool
		isolation string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "save <delta.json>",
		Short: "Write a JSON delta in one transaction",
		Long: `Write a JSON delta in one transaction and print the identifier allocated for
every placeholder. Use - to read the delta from stdin.

Delta format:
  [{"entity": ["item/id", "tmp-1"], "changes": {"item/name": {"after": "Widget"}}},
   {"entity": ["item/id", 7], "delete": true}]`,
		Example: `  attrdb save delta.json
  attrdb save --dry-run delta.json
  cat delta.json | attrdb save -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				cfg, err := config.Load(flags.configPath)
				if err != nil {
					return err
				}
				if _, err := flags.loadRegistry(cfg.Registry); err != nil {
					return err
				}
				d, err := readDelta(cmd, args[0], flags)
				if err != nil {
					return err
				}
				program, err := save.Compile(flags.registry, d)
				if err != nil {
					return err
				}
				return printProgram(cmd.OutOrStdout(), program, flags.noColor)
			}

			env, closeEnv, err := flags.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			d, err := readDelta(cmd, args[0], flags)
			if err != nil {
				return err
			}

			var opts []attrdb.Option
			if isolation != "" {
				level, err := transaction.ParseIsolationLevel(isolation)
				if err != nil {
					return err
				}
				opts = append(opts, attrdb.WithIsolation(level))
			}
			if timeout > 0 {
				opts = append(opts, attrdb.WithTimeout(timeout))
			}

			ids, err := attrdb.Save(cmd.Context(), env, d, opts...)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ids)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the planned writes without connecting to a database")
	cmd.Flags().StringVar(&isolation, "isolation", "", "transaction isolation level (read-committed, repeatable-read, serializable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the save after this long")

	return cmd
}

func readDelta(cmd *cobra.Command, path string, flags *globalFlags) (*delta.Delta, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open delta: %w", err)
		}
		defer f.Close()
		r = f
	}
	return delta.DecodeJSON(r, flags.registry)
}

// printProgram lists the writes of a compiled program in execution order
func printProgram(w io.Writer, program *save.Program, noColor bool) error {
	if program.Empty() {
		ui.WriteSuccess(w, "nothing to write", noColor)
		return nil
	}

	ui.Header(w, "Database "+program.Database(), noColor)
	table := ui.NewTable(w, noColor, "STEP", "WRITE", "ENTITY")
	add := func(kind, entity string) {
		table.AddRow(fmt.Sprint(table.Len()+1), kind, entity)
	}
	for _, op := range program.Inserts {
		add("insert", op.Ref.String())
	}
	for _, op := range program.Plan.Updates() {
		add("update", op.Ref.String())
	}
	for _, w := range program.Resolution.Unlinks {
		add("unlink "+w.Attr.Key, w.Holder.String())
	}
	for _, w := range program.Resolution.Links {
		add("link "+w.Attr.Key, w.Holder.String())
	}
	for _, op := range program.Plan.Deletes() {
		add("delete", op.Ref.String())
	}
	for _, o := range program.Resolution.Orphans {
		add("delete orphan", o.Ref.String())
	}
	table.Render()
	fmt.Fprintln(w)

	groups, err := ident.NewResolver().GroupBySequence(program.Plan.Identifiers)
	if err != nil {
		return err
	}
	if program.Plan.Identifiers.Len() > 0 {
		allocations := ui.NewKeyValueTable(w, noColor)
		if len(groups.UUID) > 0 {
			allocations.AddRow("uuid", strconv.Itoa(len(groups.UUID)))
		}
		for _, g := range groups.Sequences {
			allocations.AddRow(g.Sequence, strconv.Itoa(len(g.Placeholders)))
		}
		allocations.Render()
		fmt.Fprintln(w)
	}

	ui.WriteSuccess(w, fmt.Sprintf("%d placeholders to allocate", program.Plan.Identifiers.Len()), noColor)
	return nil
}
