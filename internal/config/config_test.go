package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"battle-quiz-service/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestLoad(t *testing.T) {
	convey.Convey("Given the battle quiz config loader", t, func() {
		convey.Convey("When no file and no env are present", func() {
			cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))

			convey.Convey("Then the defaults apply", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Server.Port, convey.ShouldEqual, "8080")
				convey.So(cfg.Match.PayoutFraction, convey.ShouldEqual, "0.85")
				convey.So(cfg.Match.RoundPolicy, convey.ShouldEqual, "any")
				convey.So(cfg.Match.MaxRetries, convey.ShouldEqual, 5)
				convey.So(config.TTLDuration(cfg.Match.DisconnectGrace, 0), convey.ShouldEqual, 30*time.Second)
			})
		})

		convey.Convey("When a YAML file overrides some keys", func() {
			path := filepath.Join(t.TempDir(), "config.yaml")
			err := os.WriteFile(path, []byte(`
server:
  port: "9090"
redis:
  addr: "localhost:6379"
  db: 2
match:
  round_policy: both
  question_count: 7
  wait_timeout: 45s
`), 0o600)
			convey.So(err, convey.ShouldBeNil)

			cfg, err := config.Load(path)

			convey.Convey("Then file values win and the rest keep their defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Server.Port, convey.ShouldEqual, "9090")
				convey.So(cfg.Redis.Addr, convey.ShouldEqual, "localhost:6379")
				convey.So(cfg.Redis.DB, convey.ShouldEqual, 2)
				convey.So(cfg.Match.RoundPolicy, convey.ShouldEqual, "both")
				convey.So(cfg.Match.QuestionCount, convey.ShouldEqual, 7)
				convey.So(cfg.Match.WaitTimeout, convey.ShouldEqual, "45s")
				convey.So(cfg.Match.IdleTimeout, convey.ShouldEqual, "5m")
				convey.So(cfg.Match.Retention, convey.ShouldEqual, "10m")
			})

			convey.Convey("And env vars win over the file", func() {
				defer setEnv(map[string]string{
					"BQ_SERVER_PORT":           "7070",
					"BQ_MATCH_PAYOUT_FRACTION": "0.9",
					"BQ_AUTH_JWT_SECRET":       "s3cret",
					"BQ_LOG_LEVEL":             "debug",
				})()

				cfg, err := config.Load(path)
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Server.Port, convey.ShouldEqual, "7070")
				convey.So(cfg.Match.PayoutFraction, convey.ShouldEqual, "0.9")
				convey.So(cfg.Auth.JWTSecret, convey.ShouldEqual, "s3cret")
				convey.So(cfg.LogLevel, convey.ShouldEqual, "debug")
				convey.So(cfg.Match.RoundPolicy, convey.ShouldEqual, "both")
			})
		})

		convey.Convey("When the payout fraction is out of range", func() {
			defer setEnv(map[string]string{"BQ_MATCH_PAYOUT_FRACTION": "1.5"})()
			_, err := config.Load("")

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When the round policy is unknown", func() {
			defer setEnv(map[string]string{"BQ_MATCH_ROUND_POLICY": "fastest"})()
			_, err := config.Load("")

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})
	})
}

func TestTTLDuration(t *testing.T) {
	if got := config.TTLDuration("", time.Minute); got != time.Minute {
		t.Fatalf("empty should fall back, got %s", got)
	}
	if got := config.TTLDuration("bogus", time.Minute); got != time.Minute {
		t.Fatalf("invalid should fall back, got %s", got)
	}
	if got := config.TTLDuration("90s", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
}

// setEnv sets vars until the returned func runs.
func setEnv(vars map[string]string) func() {
	for k, v := range vars {
		_ = os.Setenv(k, v)
	}
	return func() {
		for k := range vars {
			_ = os.Unsetenv(k)
		}
	}
}
