package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/config"
	"ez4u.app/internal/migrate"
	"ez4u.app/internal/obs"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/seed"
	"ez4u.app/internal/store/pg"
	"ez4u.app/internal/tenancy"
)

const usage = "usage: migrate [-dsn DSN] up|down|status|pending|seed [-fixture path]|bootstrap-admin -email E -password P"

func main() {
	log := obs.Logger()
	_ = config.LoadDotenv()
	dsn := flag.String("dsn", os.Getenv("EZ4U_PG_DSN"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or EZ4U_PG_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer store.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := run(ctx, store, cmd, args); err != nil {
		store.Close()
		log.WithError(err).WithField("command", cmd).Fatal("migrate failed")
	}
}

func run(ctx context.Context, store *pg.Store, cmd string, args []string) error {
	log := obs.Logger()
	mgr := migrate.NewManager(store.DB())
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			log.WithField("migration", name).Info("applied")
		}
		if err == nil && len(applied) == 0 {
			log.Info("nothing to apply")
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		log.WithField("migration", name).Info("rolled back")
		return nil
	case "status", "pending":
		list := mgr.Status
		if cmd == "pending" {
			list = mgr.Pending
		}
		names, err := list(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "seed":
		fs := flag.NewFlagSet("seed", flag.ExitOnError)
		fixture := fs.String("fixture", os.Getenv("EZ4U_SEED_FIXTURE"), "YAML fixture (demo data when empty)")
		_ = fs.Parse(args)
		seeder, err := newSeeder(store)
		if err != nil {
			return err
		}
		f, err := seed.Load(*fixture)
		if err != nil {
			return err
		}
		sum, err := seeder.Apply(ctx, f)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"skipped":      sum.Skipped,
			"global_roles": sum.GlobalRoles,
			"tenants":      sum.Tenants,
			"roles":        sum.Roles,
			"users":        sum.Users,
			"memberships":  sum.Memberships,
			"grants":       sum.Grants,
			"resources":    sum.Resources,
		}).Info("seeded")
		return nil
	case "bootstrap-admin":
		fs := flag.NewFlagSet("bootstrap-admin", flag.ExitOnError)
		email := fs.String("email", "", "administrator email")
		password := fs.String("password", os.Getenv("EZ4U_BOOTSTRAP_PASSWORD"), "administrator password")
		_ = fs.Parse(args)
		if *email == "" || *password == "" {
			return fmt.Errorf("bootstrap-admin needs -email and -password")
		}
		seeder, err := newSeeder(store)
		if err != nil {
			return err
		}
		user, err := seeder.BootstrapAdmin(ctx, *email, *password)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"user_id": user.ID, "email": user.Email}).Info("administrator ready")
		return nil
	default:
		return fmt.Errorf("unknown command %q; %s", cmd, usage)
	}
}

// newSeeder builds the services over the database. Tokens are never issued here,
// so the development key is acceptable.
func newSeeder(store *pg.Store) (*seed.Seeder, error) {
	tokens, err := auth.NewTokenService([]byte(auth.DevSigningKey))
	if err != nil {
		return nil, err
	}
	users, err := auth.NewService(store, tokens)
	if err != nil {
		return nil, err
	}
	graph, err := tenancy.NewGraph(store)
	if err != nil {
		return nil, err
	}
	admin, err := rbac.NewAdmin(store)
	if err != nil {
		return nil, err
	}
	return seed.New(users, graph, admin, store)
}
