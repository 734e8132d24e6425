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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"github.com/urfave/cli/v2"

	"github.com/studyhub/meshcall"
	"github.com/studyhub/meshcall/internal/devrelay"
	"github.com/studyhub/meshcall/pkg/capture"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "meshcall",
		Usage:   "join a mesh call from the command line",
		Version: meshcall.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "ws://localhost:7880/ws",
				EnvVars: []string{"MESHCALL_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"MESHCALL_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "mint a token locally when none is given",
				EnvVars: []string{"JWT_SECRET"},
			},
			&cli.StringFlag{
				Name:     "room",
				Required: true,
				EnvVars:  []string{"MESHCALL_ROOM"},
			},
			&cli.StringFlag{
				Name:    "identity",
				EnvVars: []string{"MESHCALL_IDENTITY"},
			},
			&cli.StringFlag{
				Name: "name",
			},
			&cli.StringSliceFlag{
				Name:    "stun",
				Value:   cli.NewStringSlice(meshcall.DefaultSTUNServer),
				EnvVars: []string{"MESHCALL_STUN"},
			},
			&cli.StringFlag{
				Name:  "audio-file",
				Usage: "Ogg/Opus file played as the microphone",
			},
			&cli.StringFlag{
				Name:  "video-file",
				Usage: "IVF file played as the camera",
			},
			&cli.BoolFlag{
				Name: "muted",
			},
			&cli.BoolFlag{
				Name: "video-off",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger.InitFromConfig(&logger.Config{Level: c.String("log-level")}, "meshcall")
	log := logger.GetLogger()

	identity := c.String("identity")
	if identity == "" {
		identity = uuid.NewString()
	}
	name := c.String("name")
	if name == "" {
		name = identity
	}

	token := c.String("token")
	if token == "" && c.String("jwt-secret") != "" {
		var err error
		token, err = devrelay.IssueToken(c.String("jwt-secret"), identity, time.Hour)
		if err != nil {
			return err
		}
	}

	var deviceOpts []capture.DevicesOption
	deviceOpts = append(deviceOpts, capture.WithLogger(log))
	if path := c.String("audio-file"); path != "" {
		deviceOpts = append(deviceOpts, capture.WithAudioFile(path))
	}
	if path := c.String("video-file"); path != "" {
		deviceOpts = append(deviceOpts, capture.WithVideoFile(path))
	}

	room := meshcall.NewRoom(newCallback(log),
		meshcall.WithLogger(log),
		meshcall.WithSTUNServers(c.StringSlice("stun")...),
		meshcall.WithMediaDevices(capture.NewDevices(deviceOpts...)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := room.Join(ctx, c.String("url"), token, meshcall.JoinInfo{
		RoomID:        c.String("room"),
		UserID:        identity,
		Name:          name,
		StartMuted:    c.Bool("muted"),
		StartVideoOff: c.Bool("video-off"),
	}); err != nil {
		return err
	}
	defer func() {
		if err := room.Leave(); err != nil {
			log.Warnw("could not leave room", err)
		}
	}()

	fmt.Println("joined, commands: m (mute), v (video), p (participants), q (quit)")
	commands := readCommands()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-commands:
			if !ok {
				<-ctx.Done()
				return nil
			}
			switch cmd {
			case "m":
				if err := room.ToggleMute(); err != nil {
					log.Warnw("could not toggle mute", err)
				}
			case "v":
				if err := room.ToggleVideo(); err != nil {
					log.Warnw("could not toggle video", err)
				}
			case "p":
				printParticipants(room)
			case "q":
				return nil
			}
		}
	}
}

func newCallback(log logger.Logger) *meshcall.RoomCallback {
	cb := meshcall.NewRoomCallback()
	cb.OnParticipantConnected = func(p meshcall.Participant) {
		log.Infow("participant connected", "userID", p.UserID, "name", p.Name)
	}
	cb.OnParticipantDisconnected = func(p meshcall.Participant) {
		log.Infow("participant disconnected", "userID", p.UserID)
	}
	cb.OnParticipantChanged = func(p meshcall.Participant) {
		log.Infow("participant changed", "userID", p.UserID, "muted", p.IsMuted, "video", p.IsVideoOn)
	}
	cb.OnPeerStateChanged = func(remoteID string, state webrtc.PeerConnectionState) {
		log.Debugw("peer state changed", "remoteID", remoteID, "state", state.String())
	}
	cb.OnTrackAttached = func(peerID string, target meshcall.RenderTarget) {
		log.Infow("receiving track", "peerID", peerID, "trackID", target.TrackID())
	}
	cb.OnMediaError = func(err *meshcall.MediaAcquisitionError) {
		log.Warnw("local media unavailable", err)
	}
	cb.OnNegotiationFailed = func(err *meshcall.NegotiationError) {
		log.Warnw("negotiation failed", err, "peerID", err.PeerID, "step", err.Step)
	}
	cb.OnDisconnected = func() {
		log.Infow("signal connection lost")
	}
	return cb
}

func readCommands() <-chan string {
	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			commands <- strings.TrimSpace(scanner.Text())
		}
	}()
	return commands
}

func printParticipants(room *meshcall.Room) {
	for _, p := range room.Participants() {
		state := "?"
		if !p.IsLocal {
			if s, ok := room.PeerState(p.UserID); ok {
				state = s.String()
			}
		} else {
			state = "local"
		}
		fmt.Printf("%-20s %-20s muted=%-5t video=%-5t %s\n", p.UserID, p.Name, p.IsMuted, p.IsVideoOn, state)
	}
}
