package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Chdir(t.TempDir()) // no stray .env

	path := filepath.Join(t.TempDir(), "pong.yaml")
	err := os.WriteFile(path, []byte(`
server:
  port: 7777
  max_lobbies: 3
game:
  tick_rate: 30
  player_timeout: 4s
client:
  username: ana
`), 0o600)
	require.NoError(t, err)

	t.Setenv("PONG_SERVER_MAX_LOBBIES", "8")
	t.Setenv("PONG_GAME_SCORE_LIMIT", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Server.MaxLobbies, "env wins over file")
	assert.Equal(t, 30, cfg.Game.TickRate)
	assert.Equal(t, 4*time.Second, cfg.Game.PlayerTimeout)
	assert.Equal(t, 5, cfg.Game.ScoreLimit)
	assert.Equal(t, "ana", cfg.Client.Username)
	assert.Equal(t, 10000, cfg.Server.PortMin, "untouched defaults survive")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Game.TickRate = 0
	cfg.Server.MaxLobbies = 0
	cfg.Server.PortMin = 30000
	cfg.Store.Driver = "mongo"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestGameRules(t *testing.T) {
	g := Default().Game
	r := g.Rules()

	assert.Equal(t, 60, r.TickRate)
	assert.Equal(t, 120, r.CountdownTicks)
	assert.Equal(t, 60, r.ServeDelayTicks)
	assert.Equal(t, 10, r.ScoreLimit)
	assert.Equal(t, time.Second/60, g.TickInterval())
}
