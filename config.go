// Package sqlpool wires together a Driver from a Config: resolving the
// dialect tag to a registered adapter, validating and normalizing
// connection and type-parser settings, and selecting the configured
// Compiler and Backend Factory.
package sqlpool

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exql/sqlpool/backend"
	"github.com/exql/sqlpool/compiler"
	"github.com/exql/sqlpool/dialect/pgsql"
	"github.com/exql/sqlpool/driver"
	"github.com/exql/sqlpool/errs"
	"github.com/exql/sqlpool/logging"
)

// Config is the full set of settings needed to build a Driver.
type Config struct {
	// Dialect selects the registered dialect adapter. Currently only
	// pgsql.Tag ("pgsql") is registered.
	Dialect string

	// Connection parameters. Host defaults to "localhost" when empty.
	Host     string
	Port     int
	Username string
	Password string
	Database string

	// Compiler selects the query Compiler: "" or "identity" for
	// compiler.Identity, "xql" for compiler.XQL.
	Compiler string

	// TypeParsers configures per-OID decoding, keyed by either a numeric
	// OID or one of pgsql.WellKnownOIDs' symbolic names.
	TypeParsers []pgsql.TypeParserConfig

	ClientsMinimum    int
	ClientsMaximum    int
	FailuresMaximum   int
	CreateConcurrency int64
	DebugQueries      bool
	DebugResults      bool

	Logger logging.Logger
}

// LoadConfigFile reads and unmarshals a YAML configuration file into a
// Config. Fields absent from the file keep Go's zero value, and are
// filled in by New's defaulting.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// New validates cfg, resolves its dialect and compiler, and constructs a
// Driver ready to Start. It never dials a connection itself.
func New(cfg Config) (*driver.Driver, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = pgsql.Tag
	}
	if cfg.Dialect != pgsql.Tag {
		return nil, errs.New(errs.Configuration, "unknown dialect %q", cfg.Dialect)
	}

	resolvedParsers, err := pgsql.ResolveTypeParsers(cfg.TypeParsers)
	if err != nil {
		return nil, err
	}

	url := pgsql.URL(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)

	comp, err := resolveCompiler(cfg.Compiler, cfg.Dialect)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard
	}

	connector := pgxConnector{url: url, parsers: resolvedParsers}

	opts := []driver.Option{
		driver.WithLogger(logger),
		driver.WithCompiler(comp),
	}
	if cfg.ClientsMinimum > 0 {
		opts = append(opts, driver.WithClientsMinimum(cfg.ClientsMinimum))
	}
	if cfg.ClientsMaximum > 0 {
		opts = append(opts, driver.WithClientsMaximum(cfg.ClientsMaximum))
	}
	if cfg.FailuresMaximum > 0 {
		opts = append(opts, driver.WithFailuresMaximum(cfg.FailuresMaximum))
	}
	if cfg.CreateConcurrency > 0 {
		opts = append(opts, driver.WithCreateConcurrency(cfg.CreateConcurrency))
	}
	if cfg.DebugQueries {
		opts = append(opts, driver.WithDebugQueries(true))
	}
	if cfg.DebugResults {
		opts = append(opts, driver.WithDebugResults(true))
	}

	return driver.New(connector, opts...), nil
}

// resolveCompiler picks the Compiler named by name, defaulting to
// compiler.Identity{} when name is empty.
func resolveCompiler(name, dialectTag string) (compiler.Compiler, error) {
	switch name {
	case "", "identity":
		return compiler.Identity{}, nil
	case "xql":
		return compiler.NewXQL(dialectTag)
	default:
		return nil, errs.New(errs.Configuration, "unknown compiler %q", name)
	}
}

// pgxConnector implements driver.Connector on top of backend.PGXFactory,
// installing the configured type parsers on every freshly dialed
// connection.
type pgxConnector struct {
	url     string
	parsers []pgsql.ResolvedTypeParser
}

func (c pgxConnector) Dial(ctx context.Context) (backend.Conn, error) {
	factory := backend.PGXFactory{}
	conn, err := factory.Connect(ctx, c.url)
	if err != nil {
		return nil, err
	}
	if err := pgsql.ConfigureTypeParsers(conn, c.parsers); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}
