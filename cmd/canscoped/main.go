package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/canscope/internal/can"
	"example.com/canscope/internal/common"
	"example.com/canscope/internal/server"
	"example.com/canscope/internal/session"
	"example.com/canscope/internal/socketcan"
	"example.com/canscope/internal/vcan"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type config struct {
	Addr                  string    `yaml:"addr"`
	Interface             string    `yaml:"interface"`
	Virtual               bool      `yaml:"virtual"`
	Symbols               string    `yaml:"symbols"`
	StorageDir            string    `yaml:"storageDir"`
	MaxUploadMB           int       `yaml:"maxUploadMB"`
	AutoReconnect         bool      `yaml:"autoReconnect"`
	ReconnectDelaySeconds int       `yaml:"reconnectDelaySeconds"`
	Journal               string    `yaml:"journal"`
	Logs                  logConfig `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// applyDefaults fills unset fields and resolves relative paths against the
// config file's directory.
func (cfg *config) applyDefaults(baseDir string) {
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8337"
	}
	if cfg.Interface == "" {
		cfg.Virtual = true
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "data"
	}
	cfg.StorageDir = resolve(cfg.StorageDir)
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 64
	}
	if cfg.ReconnectDelaySeconds <= 0 {
		cfg.ReconnectDelaySeconds = 5
	}
	cfg.Symbols = resolve(cfg.Symbols)
	cfg.Journal = resolve(cfg.Journal)
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	} else {
		cfg.Logs.Directory = resolve(cfg.Logs.Directory)
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
}

func (cfg config) channel() string {
	if cfg.Virtual {
		return "virtual"
	}
	return cfg.Interface
}

func setupLogging(cfg config) error {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "canscoped.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	common.SetLogOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

// connectBus dials the bus, retrying on the configured delay while
// auto-reconnect is enabled. A session already claimed by playback is left
// alone.
func connectBus(ctx context.Context, sess *session.Session, cfg config) {
	delay := time.Duration(cfg.ReconnectDelaySeconds) * time.Second
	for {
		err := sess.Connect(ctx)
		if err == nil {
			common.Logf("capturing on %s", cfg.channel())
			return
		}
		if errors.Is(err, session.ErrBusy) {
			return
		}
		common.Logf("connect %s: %v", cfg.channel(), err)
		if !cfg.AutoReconnect {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	iface := flag.String("iface", "", "CAN interface (overrides config)")
	virtual := flag.Bool("virtual", false, "use the built-in virtual bus (overrides config)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "HTTP read timeout")
	writeTimeout := flag.Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *iface != "" {
		cfg.Interface = *iface
		cfg.Virtual = false
	}
	if *virtual {
		cfg.Virtual = true
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		common.Fatalf("storage dir: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		common.Fatalf("setup logging: %v", err)
	}

	var drv can.Driver
	if cfg.Virtual {
		drv = vcan.New()
	} else {
		drv = socketcan.New(cfg.Interface)
	}
	var journal *common.Journal
	if cfg.Journal != "" {
		journal = common.NewJournal(cfg.Journal)
	}
	sess, err := session.New(session.Options{
		Driver:         drv,
		Channel:        cfg.channel(),
		Journal:        journal,
		AutoReconnect:  cfg.AutoReconnect,
		ReconnectDelay: time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
	})
	if err != nil {
		common.Fatalf("session init: %v", err)
	}
	srv, err := server.NewServer(server.Options{
		Addr:       cfg.Addr,
		Session:    sess,
		SymbolPath: cfg.Symbols,
		StorageDir: cfg.StorageDir,
		MaxUpload:  int64(cfg.MaxUploadMB) << 20,
	})
	if err != nil {
		common.Fatalf("server init: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		common.Logf("canscoped listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		connectBus(ctx, sess, cfg)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutCtx)
	})
	runErr := g.Wait()

	if path, ok := sess.Recording(); ok {
		dropped, err := sess.StopRecording()
		if err != nil {
			common.Logf("flush recording %s: %v", path, err)
		} else {
			common.Logf("flushed recording %s (%d dropped)", path, dropped)
		}
	}
	if err := sess.Close(); err != nil {
		common.Logf("session close: %v", err)
	}
	if err := srv.Close(); err != nil {
		common.Logf("server close: %v", err)
	}
	if runErr != nil {
		common.Fatalf("canscoped: %v", runErr)
	}
	common.Logf("canscoped stopped")
}
