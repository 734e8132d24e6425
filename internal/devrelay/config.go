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

package devrelay

import (
	"fmt"
	"time"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	defaultPort         = 7880
	defaultSendBuffer   = 256
	defaultPingInterval = 54 * time.Second
	defaultPongWait     = 60 * time.Second
	writeWait           = 10 * time.Second
)

type Config struct {
	Host        string
	Port        int
	Environment string
	// AllowedOrigins limits browser origins. Empty allows any origin.
	AllowedOrigins []string
	// JWTSecret enables HS256 token checks on the websocket. The token
	// subject becomes the participant id.
	JWTSecret string

	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:         defaultPort,
		Environment:  EnvironmentDevelopment,
		SendBuffer:   defaultSendBuffer,
		PingInterval: defaultPingInterval,
		PongWait:     defaultPongWait,
	}
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Environment == "" {
		c.Environment = defaults.Environment
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaults.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval + c.PingInterval/9
	}
}
