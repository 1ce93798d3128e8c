package compiler_test

import (
	"testing"

	"github.com/exql/sqlpool/compiler"
)

type compilableQuery struct{ sql string }

func (q compilableQuery) Compile() string { return q.sql }

type queryCompilableQuery struct{ sql string }

func (q queryCompilableQuery) CompileQuery() string { return q.sql }

type stringerQuery struct{ sql string }

func (q stringerQuery) String() string { return q.sql }

func assertEqual(t *testing.T, expected, actual any) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}

func TestIdentity_PlainString(t *testing.T) {
	got, err := compiler.Identity{}.Compile("SELECT 1")
	requireNoError(t, err)
	assertEqual(t, "SELECT 1", got)
}

func TestIdentity_Compilable(t *testing.T) {
	got, err := compiler.Identity{}.Compile(compilableQuery{sql: "SELECT 2"})
	requireNoError(t, err)
	assertEqual(t, "SELECT 2", got)
}

func TestIdentity_QueryCompilable(t *testing.T) {
	got, err := compiler.Identity{}.Compile(queryCompilableQuery{sql: "SELECT 3"})
	requireNoError(t, err)
	assertEqual(t, "SELECT 3", got)
}

func TestIdentity_Stringer(t *testing.T) {
	got, err := compiler.Identity{}.Compile(stringerQuery{sql: "SELECT 4"})
	requireNoError(t, err)
	assertEqual(t, "SELECT 4", got)
}

func TestIdentity_UnsupportedType(t *testing.T) {
	_, err := compiler.Identity{}.Compile(42)
	if err == nil {
		t.Fatal("expected an error for a query value with no compile surface")
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
