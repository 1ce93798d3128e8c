// Package compiler defines the pluggable query-compiler collaborator: the
// object responsible for turning whatever a caller passes as a query into
// the literal SQL string the Driver hands to a Client.
package compiler

import "fmt"

// Compiler turns a query value into a SQL string.
type Compiler interface {
	Compile(q any) (string, error)
}

// Compilable is implemented by query objects that know how to render
// themselves, using the query-builder vocabulary this module's callers may
// already use ("compile").
type Compilable interface {
	Compile() string
}

// QueryCompilable is the alternate method name some query-builder libraries
// use ("compileQuery") instead of "compile".
type QueryCompilable interface {
	CompileQuery() string
}

// Identity is the default Compiler. A string is passed through unchanged;
// any other value is compiled via Compile(), CompileQuery(), or
// fmt.Stringer's String(), in that order, matching spec.md §6's "q may be a
// string or any object exposing compile()/compileQuery()/toString()".
type Identity struct{}

// Compile implements Compiler.
func (Identity) Compile(q any) (string, error) {
	switch v := q.(type) {
	case string:
		return v, nil
	case Compilable:
		return v.Compile(), nil
	case QueryCompilable:
		return v.CompileQuery(), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("compiler: query of type %T exposes none of Compile(), CompileQuery(), or String()", q)
	}
}
