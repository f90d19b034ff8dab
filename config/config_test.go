package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POLL_DEFAULT_TIME_LIMIT_SEC", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 60, cfg.Poll.DefaultTimeLimit)
	require.Equal(t, 10*time.Second, cfg.Poll.PersistTimeout)
	require.True(t, cfg.Worker.InProcess)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POLL_DEFAULT_TIME_LIMIT_SEC", "45")
	t.Setenv("WORKER_IN_PROCESS", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 45, cfg.Poll.DefaultTimeLimit)
	require.False(t, cfg.Worker.InProcess)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins())
}

func TestLoad_RejectsNonPositiveTimeLimit(t *testing.T) {
	t.Setenv("POLL_DEFAULT_TIME_LIMIT_SEC", "-1")
	_, err := Load()
	require.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := map[string]struct {
		cfg  DatabaseConfig
		want string
	}{
		"url wins": {
			cfg:  DatabaseConfig{URL: "postgres://x/y", Host: "ignored"},
			want: "postgres://x/y",
		},
		"built from parts": {
			cfg:  DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "d", SSLMode: "disable"},
			want: "postgres://u:p@h:5432/d?sslmode=disable",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.cfg.DSN())
		})
	}
}
