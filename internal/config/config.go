// Package config holds every tunable the server and client consume. Values
// come from defaults, an optional YAML file, an optional .env file and PONG_*
// environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/pong-sync/internal/engine"
)

type Config struct {
	Server Server `yaml:"server" envPrefix:"SERVER_"`
	Game   Game   `yaml:"game" envPrefix:"GAME_"`
	Client Client `yaml:"client" envPrefix:"CLIENT_"`
	Store  Store  `yaml:"store" envPrefix:"STORE_"`
	Events Events `yaml:"events" envPrefix:"EVENTS_"`
	Log    Log    `yaml:"log" envPrefix:"LOG_"`
}

type Server struct {
	Host      string `yaml:"host" env:"HOST"`
	Port      int    `yaml:"port" env:"PORT"`
	AdminAddr string `yaml:"admin_addr" env:"ADMIN_ADDR"`
	// PublicAddress is sent in redirects; empty means the client reuses the
	// manager's host.
	PublicAddress        string        `yaml:"public_address" env:"PUBLIC_ADDRESS"`
	PortMin              int           `yaml:"port_min" env:"PORT_MIN"`
	PortMax              int           `yaml:"port_max" env:"PORT_MAX"`
	MaxLobbies           int           `yaml:"max_lobbies" env:"MAX_LOBBIES"`
	LobbyCheckInterval   time.Duration `yaml:"lobby_check_interval" env:"LOBBY_CHECK_INTERVAL"`
	WaitingCheckInterval time.Duration `yaml:"waiting_check_interval" env:"WAITING_CHECK_INTERVAL"`
	WaitingTimeout       time.Duration `yaml:"waiting_timeout" env:"WAITING_TIMEOUT"`
	LobbyStartTimeout    time.Duration `yaml:"lobby_start_timeout" env:"LOBBY_START_TIMEOUT"`
	LobbyCleanupTimeout  time.Duration `yaml:"lobby_cleanup_timeout" env:"LOBBY_CLEANUP_TIMEOUT"`
	TokenSecret          string        `yaml:"token_secret" env:"TOKEN_SECRET"`
	TokenTTL             time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	ReadBuffer           int           `yaml:"read_buffer" env:"READ_BUFFER"`
}

type Game struct {
	TickRate          int           `yaml:"tick_rate" env:"TICK_RATE"`
	PlayerTimeout     time.Duration `yaml:"player_timeout" env:"PLAYER_TIMEOUT"`
	MaxPacketsPerTick int           `yaml:"max_packets_per_tick" env:"MAX_PACKETS_PER_TICK"`
	BroadcastEvery    int           `yaml:"broadcast_every" env:"BROADCAST_EVERY"`
	ScoreLimit        int           `yaml:"score_limit" env:"SCORE_LIMIT"`
	CountdownDuration time.Duration `yaml:"countdown_duration" env:"COUNTDOWN_DURATION"`
	ServeDelay        time.Duration `yaml:"serve_delay" env:"SERVE_DELAY"`
	BallSpeed         float64       `yaml:"ball_speed" env:"BALL_SPEED"`
	MaxBallSpeed      float64       `yaml:"max_ball_speed" env:"MAX_BALL_SPEED"`
	PaddleStep        float64       `yaml:"paddle_step" env:"PADDLE_STEP"`
}

type Client struct {
	Username           string        `yaml:"username" env:"USERNAME"`
	Password           string        `yaml:"password" env:"PASSWORD"`
	TargetFPS          int           `yaml:"target_fps" env:"TARGET_FPS"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HelloRetryInterval time.Duration `yaml:"hello_retry_interval" env:"HELLO_RETRY_INTERVAL"`
	AuthRetryInterval  time.Duration `yaml:"auth_retry_interval" env:"AUTH_RETRY_INTERVAL"`
	ServerWarning      time.Duration `yaml:"server_warning" env:"SERVER_WARNING"`
	ServerTimeout      time.Duration `yaml:"server_timeout" env:"SERVER_TIMEOUT"`
}

type Store struct {
	// Driver is one of "sqlite", "postgres" or "memory".
	Driver         string        `yaml:"driver" env:"DRIVER"`
	DSN            string        `yaml:"dsn" env:"DSN"`
	MaxRetries     uint          `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type Events struct {
	NATSURL string `yaml:"nats_url" env:"NATS_URL"`
	Subject string `yaml:"subject" env:"SUBJECT"`
}

type Log struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Default mirrors the constants the game was tuned with.
func Default() Config {
	return Config{
		Server: Server{
			Host:                 "0.0.0.0",
			Port:                 9999,
			AdminAddr:            ":8080",
			PortMin:              10000,
			PortMax:              20000,
			MaxLobbies:           50,
			LobbyCheckInterval:   time.Second,
			WaitingCheckInterval: 5 * time.Second,
			WaitingTimeout:       6 * time.Second,
			LobbyStartTimeout:    5 * time.Second,
			LobbyCleanupTimeout:  60 * time.Second,
			TokenTTL:             time.Hour,
			ReadBuffer:           4096,
		},
		Game: Game{
			TickRate:          60,
			PlayerTimeout:     3 * time.Second,
			MaxPacketsPerTick: 30,
			BroadcastEvery:    1,
			ScoreLimit:        10,
			CountdownDuration: 2 * time.Second,
			ServeDelay:        time.Second,
			BallSpeed:         300,
			MaxBallSpeed:      600,
			PaddleStep:        5,
		},
		Client: Client{
			TargetFPS:          60,
			HeartbeatInterval:  2 * time.Second,
			HelloRetryInterval: time.Second,
			AuthRetryInterval:  2 * time.Second,
			ServerWarning:      5 * time.Second,
			ServerTimeout:      8 * time.Second,
		},
		Store: Store{
			Driver:         "sqlite",
			DSN:            "server.db",
			MaxRetries:     5,
			RetryDelay:     100 * time.Millisecond,
			RequestTimeout: 5 * time.Second,
		},
		Events: Events{
			Subject: "pong.lobbies",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load builds a Config. path may be empty; a missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PONG_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate reports every invalid option at once.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port %d out of range", c.Server.Port)
	check(c.Server.PortMin > 0 && c.Server.PortMin <= c.Server.PortMax && c.Server.PortMax <= 65535,
		"server port range [%d, %d] invalid", c.Server.PortMin, c.Server.PortMax)
	check(c.Server.Port < c.Server.PortMin || c.Server.Port > c.Server.PortMax,
		"server.port %d overlaps the lobby port range", c.Server.Port)
	check(c.Server.MaxLobbies > 0, "server.max_lobbies must be positive")
	check(c.Server.LobbyCheckInterval > 0, "server.lobby_check_interval must be positive")
	check(c.Server.WaitingCheckInterval > 0, "server.waiting_check_interval must be positive")
	check(c.Server.LobbyCleanupTimeout >= 0, "server.lobby_cleanup_timeout must not be negative")
	check(c.Server.TokenTTL > 0, "server.token_ttl must be positive")
	check(c.Game.TickRate > 0, "game.tick_rate must be positive")
	check(c.Game.PlayerTimeout > 0, "game.player_timeout must be positive")
	check(c.Game.MaxPacketsPerTick > 0, "game.max_packets_per_tick must be positive")
	check(c.Game.BroadcastEvery > 0, "game.broadcast_every must be positive")
	check(c.Game.ScoreLimit > 0, "game.score_limit must be positive")
	check(c.Game.MaxBallSpeed >= c.Game.BallSpeed, "game.max_ball_speed below game.ball_speed")
	check(c.Client.TargetFPS > 0, "client.target_fps must be positive")
	check(c.Client.HeartbeatInterval > 0, "client.heartbeat_interval must be positive")
	check(c.Client.ServerWarning < c.Client.ServerTimeout, "client.server_warning must be below client.server_timeout")
	check(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres" || c.Store.Driver == "memory",
		"store.driver %q unknown", c.Store.Driver)
	return err
}

// Rules converts the game options into physics rules.
func (g Game) Rules() engine.Rules {
	r := engine.DefaultRules()
	r.TickRate = g.TickRate
	r.ScoreLimit = g.ScoreLimit
	r.CountdownTicks = ticks(g.CountdownDuration, g.TickRate)
	r.ServeDelayTicks = ticks(g.ServeDelay, g.TickRate)
	if g.BallSpeed > 0 {
		r.BallSpeed = g.BallSpeed
	}
	if g.MaxBallSpeed > 0 {
		r.MaxBallSpeed = g.MaxBallSpeed
	}
	if g.PaddleStep > 0 {
		r.PaddleStep = g.PaddleStep
	}
	return r
}

// TickInterval is the fixed session timestep.
func (g Game) TickInterval() time.Duration {
	return time.Second / time.Duration(g.TickRate)
}

func ticks(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}
