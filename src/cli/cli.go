// Package cli is the schemadb command line: schema validation, query
// compilation and document operations against a memory or MongoDB store.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"schemadb/src/database"
	"schemadb/src/helpers"
	"schemadb/src/rules"
	"schemadb/src/schema"
	"schemadb/src/settings"
	"schemadb/src/store"
	"schemadb/src/store/memstore"
	"schemadb/src/store/mongostore"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// CLI owns the root command and the state its commands share.
type CLI struct {
	rootCmd   *cobra.Command
	viperInst *viper.Viper
	out       io.Writer

	configFile string
	schemaPath string
	storeKind  string
	collection string

	args    *settings.Arguments
	logger  *zap.SugaredLogger
	schemas *schema.Cache

	mem   *memstore.Store
	mongo *mongostore.Store
}

func New(out io.Writer) *CLI {
	c := &CLI{
		viperInst: settings.NewViper(),
		out:       out,
		schemas:   schema.NewCache(),
	}
	c.createRootCommand()
	c.addCommands()
	return c
}

func (c *CLI) Execute() error {
	return c.rootCmd.Execute()
}

// ExecuteArgs runs the command line args instead of os.Args.
func (c *CLI) ExecuteArgs(args ...string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

func (c *CLI) GetRootCommand() *cobra.Command { return c.rootCmd }

func (c *CLI) createRootCommand() {
	c.rootCmd = &cobra.Command{
		Use:   "schemadb",
		Short: "schemadb - schema driven document validation and queries",
		Long: `schemadb validates documents against YAML model schemas, compiles
whitelisted queries and runs document operations on a store.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (SCHEMADB_*)
3. The --config file
4. Defaults

Examples:
  schemadb validate --schema user.yaml --mode create doc.json
  schemadb query --schema user.yaml --page-size 20 '{"$page": 2}'
  schemadb insert --schema user.yaml --data-dir ./data docs.json
  schemadb find --schema user.yaml --store mongo '{"age": {"gte": 18}}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.close(cmd.Context())
		},
	}
	c.rootCmd.SetOut(c.out)
	c.addGlobalFlags()
}

func (c *CLI) addGlobalFlags() {
	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "Path to config file")
	flags.StringVarP(&c.schemaPath, "schema", "s", "", "Schema file, or a schema name in --schema-dir")
	flags.StringVar(&c.storeKind, "store", StoreMemory, "Document store (memory|mongo)")
	flags.StringVarP(&c.collection, "collection", "c", "", "Collection name (default: schema name)")

	flags.String("schema-dir", "", "Directory of schema files and $import fragments")
	flags.String("data-dir", "", "Directory of memory store snapshots")
	flags.Int("page-size", 0, "Page size, the ceiling for $limit")
	flags.String("mongo-uri", "", "MongoDB connection string")
	flags.String("database", "", "MongoDB database")
	flags.Bool("debug", false, "Enable debug logging")

	for key, flag := range map[string]string{
		"schema.dir":     "schema-dir",
		"data.dir":       "data-dir",
		"find.limit":     "page-size",
		"mongo.uri":      "mongo-uri",
		"mongo.database": "database",
		"debug":          "debug",
	} {
		_ = c.viperInst.BindPFlag(key, flags.Lookup(flag))
	}
}

// setup loads settings and builds the logger before every command.
func (c *CLI) setup() error {
	args, err := settings.Load(c.viperInst, c.configFile)
	if err != nil {
		return err
	}
	settings.SetSettings(args)
	c.args = args

	logger, err := settings.NewLogger(args)
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

func (c *CLI) close(ctx context.Context) error {
	if c.mongo != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		return c.mongo.Disconnect(ctx)
	}
	return nil
}

// loadSchema resolves --schema as a file path, then as a name in schema.dir.
func (c *CLI) loadSchema() (*schema.Schema, error) {
	if c.schemaPath == "" {
		return nil, errors.New("--schema is required")
	}
	file := c.schemaPath
	if !helpers.FileExists(file, c.logger) {
		found := false
		for _, ext := range []string{".yaml", ".yml"} {
			candidate := filepath.Join(c.args.SchemaDir, c.schemaPath+ext)
			if helpers.FileExists(candidate, c.logger) {
				file, found = candidate, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("schema %q not found", c.schemaPath)
		}
	}

	importDir := c.args.SchemaDir
	if importDir == "" {
		importDir = filepath.Dir(file)
	}
	importer, err := schema.NewFileImporter(importDir, 0)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return c.schemas.Load(name, file,
		schema.WithImporter(importer),
		schema.WithRegistry(rules.NewDefaultRegistry(c.args.RuleBindings)),
	)
}

func (c *CLI) openStore(ctx context.Context) (store.Store, error) {
	switch c.storeKind {
	case StoreMemory:
		if c.mem == nil {
			mem, err := memstore.Open(c.args.DataDir, c.logger)
			if err != nil {
				return nil, err
			}
			c.mem = mem
		}
		return c.mem, nil
	case StoreMongo:
		if c.mongo == nil {
			mongo, err := mongostore.Connect(ctx, c.args, c.logger)
			if err != nil {
				return nil, err
			}
			c.mongo = mongo
		}
		return c.mongo, nil
	}
	return nil, fmt.Errorf("unknown store %q, expected %s or %s", c.storeKind, StoreMemory, StoreMongo)
}

// persist saves memory store snapshots after a write.
func (c *CLI) persist() error {
	if c.mem == nil {
		return nil
	}
	return c.mem.Save(c.args.DataDir)
}

// openDatabase binds the schema to its collection on the selected store.
func (c *CLI) openDatabase(ctx context.Context) (*database.Database, error) {
	s, err := c.loadSchema()
	if err != nil {
		return nil, err
	}
	st, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	collection := c.collection
	if collection == "" {
		collection = s.Name()
	}
	return database.New(st, collection, s,
		database.WithSettings(c.args),
		database.WithLogger(c.logger),
	)
}
