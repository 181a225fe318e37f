package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"scribe/agent"
	"scribe/api"
	"scribe/config"
	"scribe/store"
	"scribe/ui"
)

const Version = "v0.1.0"

func main() {
	// First run: drop a commented settings template and point the user at it.
	settingsPath := config.GetSettingsFilePath()
	if !config.FileExists(settingsPath) {
		if err := os.MkdirAll(config.GetConfigDir(), 0700); err == nil {
			_ = os.WriteFile(settingsPath, []byte(config.GenerateConfigTemplate()), 0600)
			fmt.Printf("Created %s — edit it to point scribe at your backend.\n", settingsPath)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := config.NewLogger(cfg.DataDirectory)
	if err != nil {
		fmt.Printf("Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("scribe starting", zap.String("version", Version), zap.String("backend", cfg.BaseURL))

	client, err := api.New(cfg.BaseURL, cfg.APIToken, log)
	if err != nil {
		fmt.Printf("Invalid backend configuration: %v\n", err)
		os.Exit(1)
	}

	// Local cache: SQLite under the data dir, in-memory when that fails
	// (history then lasts for this run only).
	var st store.Store
	sqlStore, err := store.NewSQLiteStore(cfg.DataDir(), client)
	if err != nil {
		log.Warn("local cache unavailable, falling back to in-memory store", zap.Error(err))
		st = store.NewMemoryStore(client)
	} else {
		defer sqlStore.Close()
		st = sqlStore
	}

	// The engine publishes updates into this channel; the UI drains it.
	// Buffered so a slow repaint never blocks the event loop.
	updates := make(chan agent.Update, 64)
	session := agent.NewSession(client, st, 0,
		agent.WithLogger(log),
		agent.WithUpdateFunc(func(u agent.Update) { updates <- u }),
	)

	p := tea.NewProgram(
		ui.NewApp(session, st, updates, log),
		tea.WithAltScreen(),
	)

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running scribe: %v\n", err)
		os.Exit(1)
	}
}
