package compiler

import (
	"fmt"

	"github.com/huandu/go-sqlbuilder"
)

// Buildable is the subset of huandu/go-sqlbuilder's Builder interface this
// compiler depends on: every select/insert/update/delete builder in that
// library implements it.
type Buildable interface {
	BuildWithFlavor(flavor sqlbuilder.Flavor, initialArg ...any) (string, []any)
}

// XQL is the "xql" compiler option from spec.md §6: it wraps
// huandu/go-sqlbuilder, resolving a dialect-specific Flavor from the
// configured dialect tag and fully interpolating the built statement's
// arguments into a single SQL string (this module's Compiler contract
// returns one string, not a parameterized statement plus bind arguments).
type XQL struct {
	Flavor sqlbuilder.Flavor
}

// NewXQL resolves the sqlbuilder.Flavor for the given dialect tag. An
// unrecognized tag fails at configuration time rather than at query time.
func NewXQL(dialectTag string) (*XQL, error) {
	flavor, err := flavorForDialect(dialectTag)
	if err != nil {
		return nil, err
	}
	return &XQL{Flavor: flavor}, nil
}

// Compile implements Compiler. q must be a string (passed through
// unchanged, same as Identity) or a go-sqlbuilder Buildable.
func (c *XQL) Compile(q any) (string, error) {
	switch v := q.(type) {
	case string:
		return v, nil
	case Buildable:
		sql, args := v.BuildWithFlavor(c.Flavor)
		return c.Flavor.Interpolate(sql, args)
	default:
		return "", fmt.Errorf("xql compiler: query of type %T is not a go-sqlbuilder Buildable", q)
	}
}

func flavorForDialect(tag string) (sqlbuilder.Flavor, error) {
	switch tag {
	case "pgsql", "postgres", "postgresql":
		return sqlbuilder.PostgreSQL, nil
	case "mysql":
		return sqlbuilder.MySQL, nil
	case "sqlite", "sqlite3":
		return sqlbuilder.SQLite, nil
	case "sqlserver", "mssql":
		return sqlbuilder.SQLServer, nil
	default:
		return 0, fmt.Errorf("xql compiler: no go-sqlbuilder flavor known for dialect %q", tag)
	}
}
