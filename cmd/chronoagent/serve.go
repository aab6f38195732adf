// Copyright 2025 Kadir Pekel
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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronoagent/chronoagent/pkg/config"
	"github.com/chronoagent/chronoagent/pkg/server"
	"github.com/chronoagent/chronoagent/pkg/store"
)

// ServeCmd starts the host-facing HTTP API.
type ServeCmd struct {
	Port    int    `help:"Port to listen on." default:"8080"`
	BaseURL string `name:"base-url" help:"Model provider base URL (overrides BASE_URL)."`
	APIKey  string `name:"api-key" help:"Model provider API key (overrides OPENAI_API_KEY)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("chronoagent: %w", err)
	}

	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	apiKey := c.APIKey
	if apiKey == "" {
		apiKey = cfg.OpenAIAPIKey
	}

	dbPool := config.NewDBPool()
	defer dbPool.Close()

	db, err := dbPool.Get(cfg.Database)
	if err != nil {
		return fmt.Errorf("chronoagent: open database: %w", err)
	}

	st, err := store.Open(db, cfg.Database.Dialect())
	if err != nil {
		return fmt.Errorf("chronoagent: initialize store: %w", err)
	}

	srv := server.New(server.Config{
		Store:          st,
		DefaultBaseURL: baseURL,
		DefaultAPIKey:  apiKey,
		Logger:         slog.Default(),
	})

	addr := fmt.Sprintf(":%d", c.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"
	fmt.Printf("\n%schronoagent ready%s\n", greenColor, resetColor)
	fmt.Printf("   API:      http://localhost%s\n", addr)
	fmt.Printf("   Health:   http://localhost%s/health\n", addr)
	fmt.Printf("   Metrics:  http://localhost%s/metrics\n", addr)
	fmt.Printf("   Database: %s (%s)\n", cfg.Database.Driver, cfg.Database.Database)
	fmt.Println("\nPress Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
