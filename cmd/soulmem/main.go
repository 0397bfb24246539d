// soulmem - persona memory store and recall engine
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/config"
	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/eventlog"
	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/memory"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "soulmem"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("SOULSEED_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".soulseed", "config.json")
}

// globalOptions carries the persistent root flags; empty values leave the
// config file untouched.
type globalOptions struct {
	configPath string
	workspace  string
	persona    string
	eventLog   string
	logLevel   string
}

func (g *globalOptions) loadConfig() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = getConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if g.workspace != "" {
		cfg.Workspace = g.workspace
	}
	if g.persona != "" {
		cfg.Persona = g.persona
	}
	if g.eventLog != "" {
		cfg.EventLog = g.eventLog
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

// session is an opened persona service plus the resources that must be
// released with it.
type session struct {
	cfg     *config.Config
	svc     *memory.Service
	events  *eventlog.Reader
	watcher *memory.TuningWatcher
}

func (s *session) Close() error {
	err := s.svc.Close()
	if s.watcher != nil {
		if werr := s.watcher.Close(); err == nil {
			err = werr
		}
	}
	return err
}

func openSession(g *globalOptions, logOut io.Writer) (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Configure(logOut, cfg.Log.Format, logger.ParseLevel(cfg.Log.Level))

	s := &session{cfg: cfg, events: eventlog.NewReader(cfg.EventLogPath())}
	opts := []memory.ServiceOption{memory.WithEventSource(s.events)}

	if path := cfg.TuningPath(); path != "" {
		w, err := memory.WatchTuning(path)
		if err != nil {
			return nil, fmt.Errorf("load tuning %s: %w", path, err)
		}
		s.watcher = w
		opts = append(opts, memory.WithTuning(w))
	}

	if exCfg, ok := cfg.OpenAIExtractor(); ok {
		ex, err := memory.NewOpenAIExtractor(exCfg)
		if err != nil {
			s.closeWatcher()
			return nil, err
		}
		opts = append(opts, memory.WithExtractor(ex))
	}

	svc, err := memory.NewService(cfg.ServiceConfig(), opts...)
	if err != nil {
		s.closeWatcher()
		return nil, err
	}
	s.svc = svc
	logger.DebugCF("cli", "Session opened", map[string]interface{}{
		"workspace": cfg.WorkspacePath(),
		"persona":   cfg.Persona,
		"event_log": s.events.Path(),
	})
	return s, nil
}

func (s *session) closeWatcher() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}
