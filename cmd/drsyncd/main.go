// Command drsyncd runs the drsync transfer engine as a daemon with the
// HTTP control surface attached.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/opd-ai/drsync"
	"github.com/opd-ai/drsync/httpapi"
	"github.com/opd-ai/drsync/manifest"
)

type config struct {
	Listen       string `yaml:"listen"`
	HTTPListen   string `yaml:"http_listen"`
	CheckpointDB string `yaml:"checkpoint_db"`
	ManifestPath string `yaml:"manifest_path"`
	ChunkSize    uint32 `yaml:"chunk_size"`
	LogLevel     string `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Listen:       drsync.DefaultListenAddr,
		HTTPListen:   "127.0.0.1:8080",
		CheckpointDB: drsync.DefaultCheckpointDB,
		ManifestPath: "manifest.json",
		LogLevel:     "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Cannot load config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	var m *manifest.Manager
	if cfg.ManifestPath != "" {
		m = manifest.NewManager(cfg.ManifestPath)
		if _, err := os.Stat(cfg.ManifestPath); err == nil {
			if err := m.Load(cfg.ManifestPath); err != nil {
				logrus.WithError(err).Warn("Cannot load existing manifest")
			}
		}
	}

	opts := drsync.DefaultOptions()
	opts.ListenAddr = cfg.Listen
	opts.CheckpointDB = cfg.CheckpointDB
	opts.Manifest = m
	if cfg.ChunkSize != 0 {
		opts.ChunkSize = cfg.ChunkSize
	}

	engine, err := drsync.New(opts)
	if err != nil {
		logrus.WithError(err).Fatal("Engine startup failed")
	}
	defer engine.Stop()

	api := httpapi.NewServer(engine, m)
	httpServer := &http.Server{Addr: cfg.HTTPListen, Handler: api}

	go func() {
		logrus.WithField("addr", cfg.HTTPListen).Info("HTTP control surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("Shutting down")
	httpServer.Close()
}
