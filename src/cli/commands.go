package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/database"
	"schemadb/src/query"
	"schemadb/src/validator"
)

func (c *CLI) addCommands() {
	c.rootCmd.AddCommand(
		c.validateCommand(),
		c.queryCommand(),
		c.indexesCommand(),
		c.constraintsCommand(),
		c.insertCommand(),
		c.findCommand(),
		c.countCommand(),
		c.getCommand(),
		c.updateCommand(),
		c.replaceCommand(),
		c.deleteCommand(),
	)
}

func (c *CLI) validateCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "validate [file|json|-]",
		Short: "Validate and normalize documents against a schema",
		Long: `Validate documents against the schema in the given mode and print the
normalized documents. Modes: create, replace, replace+id, update, update+id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := validator.ParseMode(mode)
			if err != nil {
				return err
			}
			s, err := c.loadSchema()
			if err != nil {
				return err
			}
			data, ext, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			docs, err := parseDocuments(data, ext)
			if err != nil {
				return err
			}
			for i, doc := range docs {
				v, err := validator.New(doc, s, m)
				if err != nil {
					return err
				}
				made, err := v.Make()
				if err != nil {
					return fmt.Errorf("document %d: %w", i, err)
				}
				if err := writeDocument(cmd.OutOrStdout(), made); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(validator.ModeCreate), "Validation mode")
	return cmd
}

func (c *CLI) queryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query [json]",
		Short: "Compile a client query and print the store filter and options",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.loadSchema()
			if err != nil {
				return err
			}
			raw, err := c.queryArg(cmd, args)
			if err != nil {
				return err
			}
			q, err := query.Compile(s, raw, c.args.PageSize)
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), compiledQuery(q))
		},
	}
}

// compiledQuery renders q the way it is sent to the store.
func compiledQuery(q *query.Query) bson.D {
	out := bson.D{{Key: "filter", Value: q.Filter}}
	if q.Options.Projection != nil {
		out = append(out, bson.E{Key: "projection", Value: q.Options.Projection})
	}
	if q.Options.Sort != nil {
		out = append(out, bson.E{Key: "sort", Value: q.Options.Sort})
	}
	if q.Options.Skip != nil {
		out = append(out, bson.E{Key: "skip", Value: *q.Options.Skip})
	}
	if q.Options.Limit != nil {
		out = append(out, bson.E{Key: "limit", Value: *q.Options.Limit})
	}
	if q.Page > 0 {
		out = append(out, bson.E{Key: "page", Value: q.Page})
	}
	return out
}

func (c *CLI) indexesCommand() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Print the schema indexes, or create them with --create",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if create {
				db, err := c.openDatabase(cmd.Context())
				if err != nil {
					return err
				}
				names, err := db.CreateIndexes(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return c.persist()
			}

			s, err := c.loadSchema()
			if err != nil {
				return err
			}
			for _, spec := range s.Indexes() {
				doc := bson.D{{Key: "keys", Value: spec.Keys}}
				if len(spec.Options) > 0 {
					doc = append(doc, bson.E{Key: "options", Value: spec.Options})
				}
				if err := writeDocument(cmd.OutOrStdout(), doc); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "Create the indexes on the store")
	return cmd
}

func (c *CLI) constraintsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "constraints",
		Short: "Print the foreign key and cascade constraints of a schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.loadSchema()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, fk := range s.FkConstraints() {
				nullable := ""
				if fk.Nullable() {
					nullable = " (nullable)"
				}
				fmt.Fprintf(out, "fk %s -> %s.%s%s\n", fk.LocalField(), fk.Collection(), fk.ForeignField(), nullable)
			}
			for _, cl := range s.ClearConstraints() {
				fmt.Fprintf(out, "clear %s %v\n", cl.Collection(), cl.Fields())
			}
			for _, del := range s.DeleteConstraints() {
				fmt.Fprintf(out, "delete %s %v\n", del.Collection(), del.Fields())
			}
			return nil
		},
	}
}

func (c *CLI) insertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "insert [file|json|-]",
		Short: "Validate and insert documents, printing their ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			data, ext, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			docs, err := parseDocuments(data, ext)
			if err != nil {
				return err
			}
			ids, err := db.Insert(cmd.Context(), docs)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return c.persist()
		},
	}
}

func (c *CLI) findCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "find [json]",
		Short: "Run a client query and print the matching documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := c.queryArg(cmd, args)
			if err != nil {
				return err
			}
			docs, err := db.Find(cmd.Context(), raw)
			if err != nil {
				return err
			}
			return writeDocuments(cmd.OutOrStdout(), docs)
		},
	}
}

func (c *CLI) countCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count [json]",
		Short: "Count the documents a client query matches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := c.queryArg(cmd, args)
			if err != nil {
				return err
			}
			n, err := db.Count(cmd.Context(), raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func (c *CLI) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>...",
		Short: "Print documents by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			docs, err := db.FindIDs(cmd.Context(), stringsToAny(args))
			if err != nil {
				return err
			}
			return writeDocuments(cmd.OutOrStdout(), docs)
		},
	}
}

func (c *CLI) updateCommand() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "update <filter-json> <update-json>",
		Short: "Validate an update and apply it to every matching document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			filter, err := parseDocument([]byte(args[0]), "")
			if err != nil {
				return err
			}
			data, ext, err := readInput(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			update, err := parseDocument(data, ext)
			if err != nil {
				return err
			}
			n, err := db.Update(cmd.Context(), filter, update, database.WithOperator(operator))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return c.persist()
		},
	}
	cmd.Flags().StringVar(&operator, "operator", database.OperatorSet, "Update operator")
	return cmd
}

func (c *CLI) replaceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replace [file|json|-]",
		Short: "Replace documents by their id, printing the replaced count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			data, ext, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			docs, err := parseDocuments(data, ext)
			if err != nil {
				return err
			}
			n, _, err := db.ReplaceBulk(cmd.Context(), docs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return c.persist()
		},
	}
}

func (c *CLI) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete documents by id and run the schema cascades",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			n, err := db.DeleteIDs(cmd.Context(), stringsToAny(args))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return c.persist()
		},
	}
}

// queryArg parses the optional client query argument. No argument means {}.
func (c *CLI) queryArg(cmd *cobra.Command, args []string) (any, error) {
	if len(args) == 0 {
		return bson.D{}, nil
	}
	data, ext, err := readInput(args[0], cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	return parseDocument(data, ext)
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
