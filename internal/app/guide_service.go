// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/capture_guide/internal/capture"
	"github.com/relabs-tech/capture_guide/internal/config"
	"github.com/relabs-tech/capture_guide/internal/cue"
	"github.com/relabs-tech/capture_guide/internal/guide"
	"github.com/relabs-tech/capture_guide/internal/orientation"
	"github.com/relabs-tech/capture_guide/internal/reactor"
	"github.com/relabs-tech/capture_guide/internal/session"
)

// openStore opens the session store named by SESSION_STORE.
func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case config.StoreFile:
		log.Printf("guide: file session store in %s", cfg.SessionDir)
		return session.OpenFileStore(cfg.SessionDir)
	default:
		log.Printf("guide: sqlite session store at %s", cfg.SessionDBPath)
		return session.OpenSQLite(cfg.SessionDBPath)
	}
}

// newProvider picks the camera. Without a capture command the guide renders
// test cards, which is enough to walk through a session on a bench.
func newProvider(cfg *config.Config) capture.Provider {
	if cfg.CaptureCommand == "" {
		log.Printf("guide: no CAPTURE_COMMAND, using test-card camera in %s", cfg.CaptureDir)
		return &capture.MockProvider{Dir: cfg.CaptureDir, Width: 640, Height: 480}
	}
	log.Printf("guide: capturing with %q into %s", cfg.CaptureCommand, cfg.CaptureDir)
	return &capture.CommandProvider{
		Command:  cfg.CaptureCommand,
		Dir:      cfg.CaptureDir,
		MinBytes: cfg.CaptureMinBytes,
	}
}

// RunGuide runs the capture guide service until ctx ends: the reactor and
// capture machine, the MQTT surface (samples, commands, state, cues) and
// the web UI.
func RunGuide(ctx context.Context) error {
	cfg := config.Get()
	log.Printf("starting capture guide (motion: %s)", cfg.MotionSource)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDGuide)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	// A local motion source that fails to open leaves the guide in
	// manual-capture mode rather than refusing to start.
	perms := capture.Permissions{Camera: cfg.CameraAvailable, Motion: true}
	a := newAim()
	var src orientation.Source
	if cfg.MotionSource != config.MotionMQTT {
		var closer io.Closer
		src, closer, err = openSource(cfg, cfg.MotionSource, a)
		if err != nil {
			log.Printf("guide: motion source unavailable: %v", err)
			perms.Motion = false
		} else {
			defer closer.Close()
		}
	}

	loop := reactor.NewLoop(0)
	loop.Run()
	defer loop.Close()

	g, err := guide.New(ctx, guide.Options{
		Reactor:        loop,
		Store:          store,
		Provider:       newProvider(cfg),
		Player:         cue.MultiPlayer{cue.LogPlayer{}, cue.NewMQTTPlayer(client, cfg.TopicCues)},
		Permissions:    perms,
		Alpha:          cfg.SmoothingAlpha,
		StableDuration: cfg.StableFor(),
		ExportDir:      exportDir(cfg),
	})
	if err != nil {
		return err
	}
	defer g.Close()

	go publishState(ctx, client, cfg.TopicState, g)

	if err := subscribeJSON(client, cfg.TopicCommands, func(c guide.Command) {
		if err := g.Dispatch(c); err != nil {
			log.Printf("guide: command %s(%s): %v", c.Name, c.Arg, err)
		}
	}); err != nil {
		return err
	}

	switch {
	case cfg.MotionSource == config.MotionMQTT:
		if err := subscribeJSON(client, cfg.TopicSamples, g.OnSample); err != nil {
			return err
		}
	case src != nil:
		go followTarget(ctx, g, a)
		go func() {
			if err := g.Pump(ctx, src); err != nil {
				log.Printf("guide: %v", err)
			}
		}()
	}

	return serve(ctx, fmt.Sprintf(":%d", cfg.WebServerPort), NewRouter(g))
}

func exportDir(cfg *config.Config) string {
	if cfg.ExportDir != "" {
		return cfg.ExportDir
	}
	return filepath.Join(cfg.CaptureDir, "exports")
}

// publishState mirrors every snapshot onto topic as a retained message so a
// display or console that connects late still sees the current step.
func publishState(ctx context.Context, client mqtt.Client, topic string, g *guide.Guide) {
	snaps, cancel := g.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := publishJSON(client, topic, true, snap); err != nil {
				log.Printf("guide: %v", err)
			}
		}
	}
}

// followTarget points the in-process mock source at the active step.
func followTarget(ctx context.Context, g *guide.Guide, a *aim) {
	snaps, cancel := g.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			a.follow(snap)
		}
	}
}

// serve runs handler on addr until ctx ends.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
