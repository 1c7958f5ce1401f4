package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"storeorders/internal/apiclient"
	"storeorders/internal/config"
	"storeorders/internal/log"
	"storeorders/internal/session"
	"storeorders/internal/sessionstore"
)

var errNotLoggedIn = errors.New("not logged in; run storectl login")

type globalFlags struct {
	configFile  string
	baseURL     string
	sessionFile string
	verbose     bool
}

// app is built once per invocation by the root command's pre-run hook.
type app struct {
	cfg      *config.AppConfig
	log      zerolog.Logger
	out      io.Writer
	client   *apiclient.Client
	sessions *session.Manager
	closers  []func() error
}

func newApp(flags *globalFlags, out, errOut io.Writer) (*app, error) {
	cfg, err := config.LoadFile(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.baseURL != "" {
		cfg.Client.BaseURL = flags.baseURL
	}
	if flags.sessionFile != "" {
		cfg.Client.SessionFile = flags.sessionFile
	}

	logger := log.NewWriter(cfg.Environment, errOut)
	if !flags.verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}

	a := &app{
		cfg:    cfg,
		log:    logger,
		out:    out,
		client: apiclient.New(cfg.Client.BaseURL, cfg.Client.Timeout),
	}

	store, err := a.sessionStore()
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(a.client, store, session.WithLogger(logger))
	return a, nil
}

func (a *app) sessionStore() (sessionstore.Store, error) {
	switch a.cfg.Client.SessionStore {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		return sessionstore.NewRedisStore(client, a.cfg.Client.RedisPrefix), nil
	case "", "file":
		path := a.cfg.Client.SessionFile
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("locate config dir: %w", err)
			}
			path = filepath.Join(dir, "storeorders", "session.json")
		}
		return sessionstore.NewFileStore(path), nil
	default:
		return nil, fmt.Errorf("unknown client.sessionstore %q", a.cfg.Client.SessionStore)
	}
}

// requireSession restores the persisted session and fails when none is usable.
func (a *app) requireSession(ctx context.Context) error {
	if err := a.sessions.Bootstrap(ctx); err != nil {
		return err
	}
	if !a.sessions.Authenticated() {
		return errNotLoggedIn
	}
	return nil
}

func (a *app) close() {
	for _, c := range a.closers {
		_ = c()
	}
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	flags := &globalFlags{}
	var a *app

	root := &cobra.Command{
		Use:           "storectl",
		Short:         "Place and track store orders",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = newApp(flags, out, errOut)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil {
				a.close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default: search ./config.yaml)")
	pf.StringVar(&flags.baseURL, "base-url", "", "API base URL, overrides client.baseurl")
	pf.StringVar(&flags.sessionFile, "session-file", "", "where to keep the login session")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log requests to stderr")

	current := func() *app { return a }
	root.AddCommand(
		newLoginCommand(current),
		newLogoutCommand(current),
		newWhoamiCommand(current),
		newOrderCommand(current),
	)
	return root
}
