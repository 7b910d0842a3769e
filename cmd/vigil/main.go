package main

import (
	"log"
	"os"

	"github.com/seantiz/vigil/internal/api"
	"github.com/seantiz/vigil/internal/config"
	"github.com/seantiz/vigil/internal/session"
	"github.com/seantiz/vigil/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vigil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"frame_interval", cfg.FrameInterval.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sessions := session.NewManager(db, logger, cfg.FrameInterval)
	defer sessions.CloseAll()

	srv := api.NewServer(cfg.ListenAddr, db, sessions, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
