package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/tokligence/credit-gateway/internal/bootstrap"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/logging"
)

const usage = `usage: gateway <command> [flags]

commands:
  init           write config/setting.ini and config/<env>/gateway.ini
  user create    register a user with an opening balance
  token          issue a bearer token for a user
  balance        print a user's credits
  credit         apply a signed admin adjustment to a user's balance
  transactions   list a user's transactions, newest first
  models         list registered models and their prices
`

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if args[0] == "init" {
		if err := runInit(args[1:], os.Stdout); err != nil {
			log.Fatalf("[gateway/init] %v", err)
		}
		return
	}

	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	logger := logging.New(os.Stderr, "gateway", level)

	a, err := newApp(cfg, logger, os.Stdout)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.run(context.Background(), args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Errorf("%s: %v", strings.Join(commandName(args), " "), err)
		a.Close()
		os.Exit(1)
	}
}

func runInit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	opts := bootstrap.InitOptions{}
	fs.StringVar(&opts.Root, "root", ".", "directory that receives config/")
	fs.StringVar(&opts.Environment, "env", "dev", "environment name")
	fs.StringVar(&opts.AdminEmail, "admin-email", "admin@local", "administrator account")
	fs.StringVar(&opts.LedgerBackend, "backend", config.BackendSQLite, "sqlite, postgres or memory")
	fs.StringVar(&opts.LedgerPath, "ledger-path", config.DefaultLedgerPath(), "sqlite database file")
	fs.StringVar(&opts.LedgerDSN, "dsn", "", "postgres connection string")
	fs.Int64Var(&opts.InitialCredits, "credits", 100, "opening balance for new users")
	fs.StringVar(&opts.AbortPolicy, "abort-policy", config.AbortPolicyNone, "none or streamed")
	fs.StringVar(&opts.OpenAIAPIKey, "openai-key", "", "provider API key")
	fs.BoolVar(&opts.Force, "force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := bootstrap.Init(opts); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote config for environment %s under %s/config\n", opts.Environment, opts.Root)
	return nil
}

func commandName(args []string) []string {
	if len(args) > 1 && args[0] == "user" {
		return args[:2]
	}
	return args[:1]
}
