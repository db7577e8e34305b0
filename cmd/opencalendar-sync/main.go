package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"
	oauthmicrosoft "golang.org/x/oauth2/microsoft"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
	"github.com/OpenCalendarsHQ/opencalendar-sync/calendar"
	"github.com/OpenCalendarsHQ/opencalendar-sync/calendar/caldav"
	"github.com/OpenCalendarsHQ/opencalendar-sync/calendar/google"
	"github.com/OpenCalendarsHQ/opencalendar-sync/calendar/icloud"
	"github.com/OpenCalendarsHQ/opencalendar-sync/calendar/microsoft"
	"github.com/OpenCalendarsHQ/opencalendar-sync/internal/lock"
	"github.com/OpenCalendarsHQ/opencalendar-sync/internal/sqlite"
	"github.com/OpenCalendarsHQ/opencalendar-sync/internal/syncer"
)

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "opencalendar-sync",
		Usage: "synchronize external calendars into the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Value:   "opencalendar.db",
				Usage:   "path to the sqlite database",
				EnvVars: []string{"OPENCALENDAR_DB"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			syncAllCommand(),
			calendarsCommand(),
			cleanupLocksCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	store  *sqlite.Storage
	locks  *lock.Coordinator
	syncer *syncer.Syncer
	logger *slog.Logger
}

func setup(c *cli.Context) (*env, error) {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	db, err := sql.Open(sqlite.DriverName, c.String("db"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := sqlite.NewStorage(db)
	locks := lock.NewCoordinator(store, logger)
	mux := newMux(store, logger)

	return &env{
		store:  store,
		locks:  locks,
		syncer: syncer.New(store, mux, locks, logger),
		logger: logger,
	}, nil
}

func newMux(store *sqlite.Storage, logger *slog.Logger) *calendar.Mux {
	saveAuth := store.SaveAccountAuth

	mux := calendar.NewMux()
	mux.Register(opencalendar.ProviderGoogle, google.NewClient(&oauth2.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		Endpoint:     oauthgoogle.Endpoint,
	}, saveAuth, logger))
	mux.Register(opencalendar.ProviderMicrosoft, microsoft.NewClient(&oauth2.Config{
		ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		Endpoint:     microsoftEndpoint(),
	}, saveAuth, logger))
	mux.Register(opencalendar.ProviderCalDAV, caldav.NewClient(logger))
	mux.Register(opencalendar.ProviderICloud, icloud.NewClient(logger))
	return mux
}

func microsoftEndpoint() oauth2.Endpoint {
	return oauthmicrosoft.AzureADEndpoint("common")
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "sync one account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Required: true, Usage: "account id to sync"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			result, err := e.syncer.SyncAccount(c.Context, c.String("account"))
			if err != nil {
				return err
			}
			printResult(result)
			if !result.Success {
				return cli.Exit("sync finished with errors", 1)
			}
			return nil
		},
	}
}

func syncAllCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-all",
		Usage: "sync every active account of a user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "user id whose accounts to sync"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			results, err := e.syncer.SyncAllAccounts(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			failed := false
			for _, result := range results {
				printResult(result)
				failed = failed || !result.Success
			}
			if failed {
				return cli.Exit("some accounts finished with errors", 1)
			}
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "list the stored calendars of an account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Required: true, Usage: "account id"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			cals, err := e.store.CalendarsByAccount(c.Context, c.String("account"))
			if err != nil {
				return err
			}
			for _, cal := range cals {
				flags := ""
				if cal.IsPrimary {
					flags += " primary"
				}
				if cal.IsReadOnly {
					flags += " read-only"
				}
				fmt.Printf("%s\t%s%s\n", cal.ID, cal.Name, flags)
			}
			return nil
		},
	}
}

func cleanupLocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup-locks",
		Usage: "reset sync locks abandoned by crashed runs",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			n, err := e.locks.SweepExpired(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("%d expired lock(s) reset\n", n)
			return nil
		},
	}
}

func printResult(result *opencalendar.SyncResult) {
	status := "ok"
	if !result.Success {
		status = "failed"
	}
	fmt.Printf("account %s (%s): %s, %d calendar(s), %d event(s)\n",
		result.AccountID, result.Provider, status,
		result.CalendarsSynced, result.EventsSynced)
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
}
