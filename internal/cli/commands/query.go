package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/conduit-lang/attrdb/pkg/attrdb"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newQueryCommand(flags *globalFlags) *cobra.Command {
	var (
		pattern     string
		parallelism int
		maxDepth    int
	)

	cmd := &cobra.Command{
		Use:   "query <identity-key> <id>...",
		Short: "Resolve a pattern for root entities",
		Long: `Resolve a pattern for one or more root entities and print one JSON tree per
root. A pattern is a JSON array of attribute keys and objects mapping a
reference attribute to a nested pattern.`,
		Example: `  attrdb query item/id 1 2 --pattern '["item/name", {"item/line-items": ["line-item/quantity"]}]'`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p attrdb.Pattern
			if err := json.Unmarshal([]byte(pattern), &p); err != nil {
				return err
			}

			env, closeEnv, err := flags.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEnv()

			roots, err := parseRoots(env.Registry, args[0], args[1:])
			if err != nil {
				return err
			}

			trees, err := attrdb.Query(cmd.Context(), env, roots, p,
				attrdb.WithParallelism(parallelism),
				attrdb.WithMaxDepth(maxDepth))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(trees)
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "[]", "JSON pattern of attributes to read")
	cmd.Flags().IntVar(&parallelism, "parallelism", 1, "sibling reference attributes fetched at once")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum pattern nesting (default 10)")

	return cmd
}

// parseRoots converts command line identifiers to the identity attribute's type
func parseRoots(reg *schema.Registry, identityKey string, ids []string) ([]attrdb.EntityRef, error) {
	entity, ok := reg.EntityForIdentity(identityKey)
	if !ok {
		return nil, ormerr.Validationf(identityKey, "", "unknown entity identity key %s", identityKey)
	}

	roots := make([]attrdb.EntityRef, len(ids))
	for i, raw := range ids {
		var id interface{} = raw
		switch entity.Identity.Type {
		case schema.TypeSequenceIdentifier, schema.TypeInteger:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s is not an integer identifier: %s", identityKey, raw)
			}
			id = n
		case schema.TypeUUIDIdentifier:
			u, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("%s is not a uuid identifier: %s", identityKey, raw)
			}
			id = u
		}
		roots[i] = attrdb.Ref(identityKey, id)
	}
	return roots, nil
}
