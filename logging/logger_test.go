package logging_test

import (
	"testing"

	"github.com/exql/sqlpool/logging"
)

func TestFuncLogger_RoutesToExpectedLevels(t *testing.T) {
	var got []logging.Level
	fn := func(l logging.Level, format string, args ...any) {
		got = append(got, l)
	}
	l := logging.NewFuncLogger(fn)

	l.Error("boom")
	l.Silly("trace")

	assertEqual(t, 2, len(got))
	assertEqual(t, logging.Error, got[0])
	assertEqual(t, logging.Debug, got[1])
}

func TestDiscard_DropsEverything(t *testing.T) {
	// Exercises both methods purely for coverage; Discard has no
	// observable state to assert against.
	logging.Discard.Error("ignored")
	logging.Discard.Silly("ignored")
}
