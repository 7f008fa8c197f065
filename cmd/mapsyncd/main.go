// mapsyncd - authoritative server for collaborative map editing
//
// The daemon loads a map, listens for editor connections over
// websockets, and runs the single update loop that owns the document:
// every accepted edit is applied here, recorded in the shared history,
// and broadcast to the connected mirrors.
//
//	mapsyncd -config mapsyncd.toml
//	mapsyncd -config mapsyncd.toml -listen :8303 -map dm1.map
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mapsyncd/internal/automap"
	"mapsyncd/internal/config"
	"mapsyncd/internal/logging"
	"mapsyncd/internal/mapdoc"
	"mapsyncd/internal/protocol"
	"mapsyncd/internal/server"
	"mapsyncd/internal/store"
	"mapsyncd/internal/transport"
)

// tickInterval paces the update loop when no events are pending. Events
// are drained in batches, so the loop does not need to spin faster than
// an editor can notice.
const tickInterval = 50 * time.Millisecond

func main() {
	configPath := flag.String("config", "mapsyncd.toml", "Path to the configuration file")
	listenAddr := flag.String("listen", "", "Override the listen address from the config")
	mapPath := flag.String("map", "", "Override the map file from the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *mapPath != "" {
		cfg.Server.MapPath = *mapPath
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	snaps, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("snapshot store unavailable", "path", cfg.Storage.Path, "err", err)
		os.Exit(1)
	}
	defer snaps.Close()

	rules := automap.NewStore()
	var ruleWatcher *automap.Watcher
	if cfg.AutoMap.RulesDir != "" {
		loaded, errs := rules.LoadDir(cfg.AutoMap.RulesDir)
		for _, lerr := range errs {
			logger.Warn("rule file skipped", "err", lerr)
		}
		logger.Info("rules loaded", "dir", cfg.AutoMap.RulesDir, "count", loaded)

		if cfg.AutoMap.LiveReload {
			ruleWatcher, err = automap.Watch(cfg.AutoMap.RulesDir, rules)
			if err != nil {
				logger.Warn("rule live-reload unavailable", "err", err)
			} else {
				defer ruleWatcher.Close()
			}
		}
	}

	doc, mapName := loadDocument(cfg, snaps, logger)

	tr := transport.NewWebsocketServer()
	if err := tr.Listen(cfg.Server.ListenAddr); err != nil {
		logger.Error("listen failed", "addr", cfg.Server.ListenAddr, "err", err)
		os.Exit(1)
	}

	srv := server.New(serverConfig(cfg, mapName), doc, tr, rules, snaps, logger.WithComponent("server"))
	logger.Info("serving", "addr", tr.Addr(), "map", mapName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// A nil watcher leaves ruleChanges nil, which never fires.
	var ruleChanges <-chan string
	if ruleWatcher != nil {
		ruleChanges = ruleWatcher.Changes()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Info("shutting down", "signal", sig.String())
			tr.Close()
			srv.Update()
			if err := srv.Save("shutdown"); err != nil {
				logger.Error("final save failed", "err", err)
			}
			return
		case name := <-ruleChanges:
			logger.Info("rule reloaded", "rule", name)
		case <-ticker.C:
			srv.Update()
		}
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		FilePath:  cfg.Logging.FilePath,
		Component: "mapsyncd",
	})
}

// loadDocument picks the startup document: the configured map file if
// set, otherwise the latest autosave snapshot, otherwise an empty map.
func loadDocument(cfg *config.Config, snaps *store.Store, logger *logging.Logger) (*mapdoc.Document, string) {
	if cfg.Server.MapPath != "" {
		data, err := os.ReadFile(cfg.Server.MapPath)
		if err != nil {
			logger.Error("map file unreadable", "path", cfg.Server.MapPath, "err", err)
			os.Exit(1)
		}
		doc, err := mapdoc.Read(data)
		if err != nil {
			logger.Error("map file corrupt", "path", cfg.Server.MapPath, "err", err)
			os.Exit(1)
		}
		name := strings.TrimSuffix(filepath.Base(cfg.Server.MapPath), filepath.Ext(cfg.Server.MapPath))
		logger.Info("map loaded", "path", cfg.Server.MapPath)
		return doc, name
	}

	snap, doc, err := snaps.LatestSnapshot()
	if err != nil {
		logger.Error("snapshot load failed", "err", err)
		os.Exit(1)
	}
	if doc != nil {
		logger.Info("resumed from snapshot", "id", snap.ID, "map", snap.MapName)
		return doc, snap.MapName
	}

	logger.Info("starting with an empty map")
	return &mapdoc.Document{}, "untitled"
}

func serverConfig(cfg *config.Config, mapName string) server.Config {
	sc := server.Config{
		Password:      cfg.Auth.Password,
		AdminPassword: cfg.Auth.AdminPassword,
		MapName:       mapName,
		MaxClients:    cfg.Server.MaxClients,
		DbgDefaults: protocol.DbgParams{
			Rounds:           cfg.Debug.Rounds,
			InvalidPercent:   cfg.Debug.InvalidPercent,
			ShufflePercent:   cfg.Debug.ShufflePercent,
			RoundTripPercent: cfg.Debug.RoundTripPercent,
		},
	}
	if cfg.Autosave.Enabled {
		sc.AutosaveInterval = time.Duration(cfg.Autosave.IntervalSec) * time.Second
		sc.AutosaveKeep = cfg.Autosave.Keep
	}
	return sc
}
