package sqlpool_test

import (
	"testing"

	sqlpool "github.com/exql/sqlpool"
	"github.com/exql/sqlpool/backend"
	"github.com/exql/sqlpool/dialect/pgsql"
	"github.com/exql/sqlpool/errs"
)

func TestNew_UnknownDialect(t *testing.T) {
	_, err := sqlpool.New(sqlpool.Config{Dialect: "not-a-dialect"})
	if !errs.Is(err, errs.Configuration) {
		t.Fatalf("expected a Configuration error, got %v", err)
	}
}

func TestNew_UnknownCompiler(t *testing.T) {
	_, err := sqlpool.New(sqlpool.Config{Compiler: "not-a-compiler"})
	if !errs.Is(err, errs.Configuration) {
		t.Fatalf("expected a Configuration error, got %v", err)
	}
}

func TestNew_DefaultsToIdentityCompilerAndPgsqlDialect(t *testing.T) {
	d, err := sqlpool.New(sqlpool.Config{Database: "widgets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a non-nil Driver")
	}
}

func TestNew_UnknownTypeParserName(t *testing.T) {
	_, err := sqlpool.New(sqlpool.Config{
		TypeParsers: []pgsql.TypeParserConfig{
			{Type: "NOT_A_REAL_TYPE", Format: backend.FormatText, Parser: func([]byte) (any, error) { return nil, nil }},
		},
	})
	if !errs.Is(err, errs.Configuration) {
		t.Fatalf("expected a Configuration error, got %v", err)
	}
}
