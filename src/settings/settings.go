package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	DefaultPageSize     = 1000
	DefaultWriteConcern = "majority"
	EnvPrefix           = "SCHEMADB"
)

type Arguments struct {
	// connection
	MongoURI     string
	Database     string
	ReadConcern  string
	WriteConcern string

	// databases a store may bind to; deny wins over allow
	DBAllow []string
	DBDeny  []string

	// find.limit, the page size ceiling for $limit and $page
	PageSize int

	// The file path to the schema files and their import fragments
	SchemaDir string
	// The file path to the in-memory store snapshots
	DataDir string

	ConfigFile string

	Debug   bool
	Verbose bool

	// validator.rule override table: type tag -> rule name -> implementation reference
	RuleBindings map[string]map[string]string
}

var (
	instance *Arguments
	once     sync.Once
	mu       sync.RWMutex
)

// GetSettings returns the process-wide settings, seeded with defaults on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if instance == nil {
			instance = defaults()
		}
	})

	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// SetSettings replaces the process-wide settings. Used by the CLI after Load and by tests.
func SetSettings(args *Arguments) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	instance = args
}

func defaults() *Arguments {
	return &Arguments{
		MongoURI:     "mongodb://127.0.0.1:27017",
		WriteConcern: DefaultWriteConcern,
		DBDeny:       []string{"admin", "config", "local"},
		PageSize:     DefaultPageSize,
		SchemaDir:    "./schemas",
		DataDir:      "./datafiles",
		RuleBindings: map[string]map[string]string{},
	}
}

// NewViper returns a viper instance with the defaults and env binding used by Load.
func NewViper() *viper.Viper {
	d := defaults()
	v := viper.New()
	v.SetDefault("mongo.uri", d.MongoURI)
	v.SetDefault("mongo.database", d.Database)
	v.SetDefault("read.concern", d.ReadConcern)
	v.SetDefault("write.concern", d.WriteConcern)
	v.SetDefault("db.allow", d.DBAllow)
	v.SetDefault("db.deny", d.DBDeny)
	v.SetDefault("find.limit", d.PageSize)
	v.SetDefault("schema.dir", d.SchemaDir)
	v.SetDefault("data.dir", d.DataDir)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	return v
}

// Load reads configFile (if not empty) and the SCHEMADB_* environment into a new Arguments.
func Load(v *viper.Viper, configFile string) (*Arguments, error) {
	if v == nil {
		v = NewViper()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	args := &Arguments{
		MongoURI:     v.GetString("mongo.uri"),
		Database:     v.GetString("mongo.database"),
		ReadConcern:  v.GetString("read.concern"),
		WriteConcern: v.GetString("write.concern"),
		DBAllow:      v.GetStringSlice("db.allow"),
		DBDeny:       v.GetStringSlice("db.deny"),
		PageSize:     v.GetInt("find.limit"),
		SchemaDir:    v.GetString("schema.dir"),
		DataDir:      v.GetString("data.dir"),
		ConfigFile:   configFile,
		Debug:        v.GetBool("debug"),
		Verbose:      v.GetBool("verbose"),
		RuleBindings: map[string]map[string]string{},
	}

	for tag := range v.GetStringMap("validator.rule") {
		args.RuleBindings[tag] = v.GetStringMapString("validator.rule." + tag)
	}

	if err := validateArguments(args); err != nil {
		return nil, err
	}
	return args, nil
}

func validateArguments(args *Arguments) error {
	if args.PageSize < 1 {
		return fmt.Errorf("find.limit must be greater than zero, got %d", args.PageSize)
	}
	return nil
}

// DatabaseAllowed reports whether name passes the db.allow / db.deny lists.
func (a *Arguments) DatabaseAllowed(name string) bool {
	for _, d := range a.DBDeny {
		if d == name {
			return false
		}
	}
	if len(a.DBAllow) == 0 {
		return true
	}
	for _, d := range a.DBAllow {
		if d == name {
			return true
		}
	}
	return false
}
