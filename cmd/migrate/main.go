package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/migrate"
	"sleepplanet.app/internal/store/pg"
)

const usage = "usage: migrate [up|down|seed|status|bootstrap-admin]"

func main() {
	log.SetFlags(0)
	var (
		dsn      = pflag.String("dsn", os.Getenv("SLEEPPLANET_PG_DSN"), "PostgreSQL DSN")
		username = pflag.String("username", os.Getenv("SLEEPPLANET_ADMIN_USERNAME"), "bootstrap-admin: username")
		password = pflag.String("password", os.Getenv("SLEEPPLANET_ADMIN_PASSWORD"), "bootstrap-admin: password")
		email    = pflag.String("email", os.Getenv("SLEEPPLANET_ADMIN_EMAIL"), "bootstrap-admin: email")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or SLEEPPLANET_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, pg.Files, "migrations", "seeds")

	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if err = mgr.Seed(ctx); err == nil {
			err = checkCatalog(ctx, pg.New(db), true)
		}
	case "status":
		if err = status(ctx, mgr); err == nil {
			err = checkCatalog(ctx, pg.New(db), false)
		}
	case "bootstrap-admin":
		err = bootstrapAdmin(ctx, db, *username, *password, *email)
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}

func status(ctx context.Context, mgr *migrate.Manager) error {
	applied, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	pending, err := mgr.Pending(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Printf("applied  %s\n", name)
	}
	for _, name := range pending {
		fmt.Printf("pending  %s\n", name)
	}
	return nil
}

// checkCatalog prints permission catalog drift. After seeding, codes still
// missing from the table are an error.
func checkCatalog(ctx context.Context, store *pg.Store, strict bool) error {
	missing, unknown, err := store.CatalogDrift(ctx)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	for _, code := range missing {
		fmt.Printf("missing  permission %s\n", code)
	}
	for _, code := range unknown {
		fmt.Printf("unknown  permission %s\n", code)
	}
	if strict && len(missing) > 0 {
		return fmt.Errorf("%d catalog permissions missing after seed", len(missing))
	}
	return nil
}

func bootstrapAdmin(ctx context.Context, db *sql.DB, username, password, email string) error {
	if username == "" || password == "" {
		return errors.New("--username and --password are required")
	}
	if email == "" {
		email = username + "@sleepplanet.local"
	}
	store := pg.New(db)
	logger, err := audit.NewLogger(store)
	if err != nil {
		return err
	}
	defer logger.Close()
	admin, err := auth.NewAdminService(store, logger, 5*time.Second)
	if err != nil {
		return err
	}
	created, err := admin.Bootstrap(ctx, username, password, email)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("created sys_admin %q\n", username)
	} else {
		fmt.Printf("user %q already exists\n", username)
	}
	return nil
}
