package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/exql/sqlpool"
	"github.com/exql/sqlpool/logging"
)

func main() {
	var host string
	var port int
	var username string
	var password string
	var database string
	var compilerName string
	var clientsMaximum int
	var verbose bool
	var configFile string
	var statements []string

	cmd := &cobra.Command{
		Use:   "sqlpoolctl",
		Short: "Drive a sqlpool connection pool from the command line",
		Long: `sqlpoolctl starts a connection pool against one PostgreSQL backend,
runs a batch of statements against it, and reports their results.

Complete documentation is available at https://github.com/exql/sqlpool`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sqlpool.Config{
				Host:           host,
				Port:           port,
				Username:       username,
				Password:       password,
				Database:       database,
				Compiler:       compilerName,
				ClientsMaximum: clientsMaximum,
				Logger:         logging.NewStdLogger(verbose),
				DebugQueries:   verbose,
			}

			if configFile != "" {
				fileCfg, err := sqlpool.LoadConfigFile(configFile)
				if err != nil {
					return errors.Wrapf(err, "load config file %s", configFile)
				}
				cfg = fileCfg
			}

			pool, err := sqlpool.New(cfg)
			if err != nil {
				return errors.Wrap(err, "build pool")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := pool.Start(ctx); err != nil {
				return errors.Wrap(err, "start pool")
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()

			for _, stmt := range statements {
				result, err := pool.Query(ctx, stmt, nil)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %s: %v\n", stmt, err)
					continue
				}
				fmt.Printf("%s -> %d row(s)\n", stmt, result.Count)
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			return errors.Wrap(pool.Stop(stopCtx), "stop pool")
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&host, "host", "H", "localhost", "backend host")
	flags.IntVarP(&port, "port", "p", 5432, "backend port")
	flags.StringVarP(&username, "username", "u", "", "backend username")
	flags.StringVarP(&password, "password", "P", "", "backend password")
	flags.StringVarP(&database, "database", "d", "", "backend database name")
	flags.StringVar(&compilerName, "compiler", "identity", "query compiler: identity or xql")
	flags.IntVar(&clientsMaximum, "clients-maximum", 20, "maximum pool size")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file (overrides all other flags)")
	flags.StringArrayVarP(&statements, "exec", "e", nil, "statement to run (repeatable)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
