package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/pong-sync/internal/auth"
	"github.com/DoyleJ11/pong-sync/internal/config"
	"github.com/DoyleJ11/pong-sync/internal/events"
	"github.com/DoyleJ11/pong-sync/internal/events/natspub"
	"github.com/DoyleJ11/pong-sync/internal/httpapi"
	"github.com/DoyleJ11/pong-sync/internal/hub"
	"github.com/DoyleJ11/pong-sync/internal/logging"
	"github.com/DoyleJ11/pong-sync/internal/store"
	"github.com/DoyleJ11/pong-sync/internal/store/memory"
	"github.com/DoyleJ11/pong-sync/internal/store/postgres"
	"github.com/DoyleJ11/pong-sync/internal/store/sqlite"
	"github.com/DoyleJ11/pong-sync/internal/transport"
)

func runServer(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	port := fs.Int("port", 0, "lobby manager UDP port")
	path := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	raw, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()
	st := store.WithRetry(raw, store.RetryOptions{
		MaxTries:        cfg.Store.MaxRetries,
		InitialInterval: cfg.Store.RetryDelay,
	})

	feed := events.NewBroadcaster()
	pub := events.Multi{feed}
	if cfg.Events.NATSURL != "" {
		np, cerr := natspub.Connect(cfg.Events.NATSURL, cfg.Events.Subject, log)
		if cerr != nil {
			return cerr
		}
		defer func() { err = multierr.Append(err, np.Close()) }()
		pub = append(pub, np)
	}

	secret := cfg.Server.TokenSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("no token secret configured; tokens will not survive a restart")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	h := hub.NewHub(gctx, hub.Options{
		Server:       cfg.Server,
		Game:         cfg.Game,
		StoreTimeout: cfg.Store.RequestTimeout,
		Conn:         conn,
		Listen:       transport.UDPListener(cfg.Server.Host),
		Store:        st,
		Issuer:       auth.NewIssuer([]byte(secret), cfg.Server.TokenTTL, nil),
		Publisher:    pub,
		Logger:       log,
	})
	g.Go(h.Run)

	if cfg.Server.AdminAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.AdminAddr,
			Handler:           httpapi.SetupRoutes(h, st, feed, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin api listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info("lobby manager stopped")
	return err
}

func openStore(cfg config.Store) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "postgres":
		s, err := postgres.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}
