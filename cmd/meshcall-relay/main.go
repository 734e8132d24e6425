// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/logger"
	"github.com/urfave/cli/v2"

	"github.com/studyhub/meshcall"
	"github.com/studyhub/meshcall/internal/devrelay"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "meshcall-relay",
		Usage:   "signaling relay for local mesh calls",
		Version: meshcall.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				EnvVars: []string{"RELAY_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   7880,
				EnvVars: []string{"RELAY_PORT", "PORT"},
			},
			&cli.StringFlag{
				Name:    "environment",
				Value:   devrelay.EnvironmentDevelopment,
				EnvVars: []string{"ENVIRONMENT"},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origin",
				Usage:   "origins allowed to open a signal connection, all when empty",
				EnvVars: []string{"ALLOWED_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "require HS256 tokens signed with this secret",
				EnvVars: []string{"JWT_SECRET"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: runRelay,
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "issue a participant token for the relay",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "identity",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Value: 24 * time.Hour,
					},
				},
				Action: issueToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runRelay(c *cli.Context) error {
	logger.InitFromConfig(&logger.Config{Level: c.String("log-level")}, "meshcall-relay")

	cfg := devrelay.DefaultConfig()
	cfg.Host = c.String("host")
	cfg.Port = c.Int("port")
	cfg.Environment = c.String("environment")
	cfg.AllowedOrigins = c.StringSlice("allowed-origin")
	cfg.JWTSecret = c.String("jwt-secret")
	if cfg.JWTSecret == "" && cfg.Environment == devrelay.EnvironmentProduction {
		logger.Warnw("running without token auth", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return devrelay.NewServer(cfg, logger.GetLogger()).ListenAndServe(ctx)
}

func issueToken(c *cli.Context) error {
	secret := c.String("jwt-secret")
	if secret == "" {
		return devrelay.ErrMissingSecret
	}
	token, err := devrelay.IssueToken(secret, c.String("identity"), c.Duration("valid-for"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
