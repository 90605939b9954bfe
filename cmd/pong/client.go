package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/DoyleJ11/pong-sync/internal/client"
	"github.com/DoyleJ11/pong-sync/internal/config"
	"github.com/DoyleJ11/pong-sync/internal/logging"
)

func runClient(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	port := fs.Int("port", 0, "lobby manager UDP port")
	user := fs.String("user", "", "username")
	password := fs.String("password", "", "password")
	path := fs.String("config", "", "YAML config file")

	// the host comes first so flags may follow it
	if len(args) == 0 {
		return errors.New("client: missing host")
	}
	host := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *port == 0 {
		*port = cfg.Server.Port
	}
	if *user == "" {
		*user = cfg.Client.Username
	}
	if *password == "" {
		*password = cfg.Client.Password
	}
	if *user == "" || *password == "" {
		return errors.New("client: --user and --password are required")
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	mgr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(*port)))
	if err != nil {
		return fmt.Errorf("resolve manager: %w", err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("open client socket: %w", err)
	}
	defer conn.Close()

	c := client.New(client.Options{
		Manager:  mgr,
		Username: *user,
		Password: *password,
		Config:   cfg.Client,
		Rules:    cfg.Game.Rules(),
		Conn:     conn,
		Renderer: client.NewLogRenderer(log, cfg.Client.TargetFPS),
		Input:    client.NewLineInput(os.Stdin),
		Logger:   log,
	})
	return c.Run(ctx)
}
