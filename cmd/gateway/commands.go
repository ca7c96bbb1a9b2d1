package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tokligence/credit-gateway/internal/auth"
	"github.com/tokligence/credit-gateway/internal/bootstrap"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/modelmeta"
	"github.com/tokligence/credit-gateway/internal/userstore"
)

// app holds the stores and services shared by the admin commands.
type app struct {
	cfg     config.GatewayConfig
	logger  *logging.Logger
	out     io.Writer
	stores  *bootstrap.Stores
	catalog *modelmeta.Catalog
	ledger  *ledger.Ledger
	auth    *auth.Manager
}

func newApp(cfg config.GatewayConfig, logger *logging.Logger, out io.Writer) (*app, error) {
	catalog, err := bootstrap.LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	prices, err := catalog.PricingTable()
	if err != nil {
		return nil, err
	}
	authManager, err := auth.NewManager(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	stores, err := bootstrap.OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(stores.Ledger, prices, userstore.Admins{Store: stores.Users}, ledger.WithLogger(logger.Named("ledger")))
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		out:     out,
		stores:  stores,
		catalog: catalog,
		ledger:  led,
		auth:    authManager,
	}, nil
}

func (a *app) Close() error {
	if a.stores == nil {
		return nil
	}
	err := a.stores.Close()
	a.stores = nil
	return err
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	switch args[0] {
	case "user":
		if len(args) < 2 || args[1] != "create" {
			return errors.New("usage: gateway user create -email <email> [-role USER|ADMIN] [-credits N]")
		}
		return a.userCreate(ctx, args[2:])
	case "token":
		return a.token(ctx, args[1:])
	case "balance":
		return a.balance(ctx, args[1:])
	case "credit":
		return a.credit(ctx, args[1:])
	case "transactions":
		return a.transactions(ctx, args[1:])
	case "models":
		return a.models()
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func (a *app) userCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("user create", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	roleName := fs.String("role", string(userstore.RoleUser), "USER or ADMIN")
	credits := fs.Int64("credits", a.cfg.InitialCredits, "opening balance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	role, err := userstore.ParseRole(*roleName)
	if err != nil {
		return err
	}
	if *credits < 0 {
		return errors.New("credits must not be negative")
	}
	u, err := a.stores.Users.CreateUser(ctx, *email, role, *credits)
	if err != nil {
		return err
	}
	a.logger.Infof("created user id=%d email=%s role=%s credits=%d", u.ID, u.Email, u.Role, u.Credits)
	fmt.Fprintf(a.out, "%d\t%s\t%s\t%d\n", u.ID, u.Email, u.Role, u.Credits)
	return nil
}

func (a *app) token(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	ttl := fs.Duration("ttl", a.cfg.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.findUser(ctx, *email)
	if err != nil {
		return err
	}
	tok, err := a.auth.IssueToken(auth.Identity{UserID: u.ID, Role: string(u.Role)}, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, tok)
	return nil
}

func (a *app) balance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.findUser(ctx, *email)
	if err != nil {
		return err
	}
	credits, err := a.ledger.GetBalance(ctx, u.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\t%d\n", u.Email, credits)
	return nil
}

// credit acts as the configured admin account.
func (a *app) credit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("credit", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	amount := fs.Int64("amount", 0, "signed credits; negative debits")
	description := fs.String("description", "", "reason recorded on the transaction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*description) == "" {
		return errors.New("description required")
	}
	u, err := a.findUser(ctx, *email)
	if err != nil {
		return err
	}
	admin, err := a.stores.Users.FindByEmail(ctx, a.cfg.AdminEmail)
	if err != nil {
		return err
	}
	if admin == nil {
		return fmt.Errorf("admin %s not found; start gatewayd once or create it with -role ADMIN", a.cfg.AdminEmail)
	}
	tx, err := a.ledger.Adjust(ctx, u.ID, *amount, admin.ID, *description)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\t%s\t%d\t%d -> %d\n", tx.ID, tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter)
	return nil
}

func (a *app) transactions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transactions", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	page := fs.Int("page", ledger.DefaultPage, "page number")
	limit := fs.Int("limit", ledger.DefaultPageSize, "rows per page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.findUser(ctx, *email)
	if err != nil {
		return err
	}
	p, err := a.ledger.ListTransactions(ctx, u.ID, *page, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTYPE\tAMOUNT\tBEFORE\tAFTER\tMODEL\tDESCRIPTION")
	for _, tx := range p.Transactions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			tx.CreatedAt.Format(time.RFC3339), tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.ModelName, tx.Description)
	}
	fmt.Fprintf(tw, "page %d/%d (%d total)\n", p.Pagination.Page, p.Pagination.Pages, p.Pagination.Total)
	return tw.Flush()
}

func (a *app) models() error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPROVIDER\tMAX TOKENS\tCREDITS/TOKEN")
	for _, name := range a.catalog.Names() {
		e, _ := a.catalog.Lookup(name)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Model, e.Provider, e.MaxTokens, e.CreditsPerToken.String())
	}
	return tw.Flush()
}

func (a *app) findUser(ctx context.Context, email string) (*userstore.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.New("-email required")
	}
	u, err := a.stores.Users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s not found", email)
	}
	return u, nil
}
