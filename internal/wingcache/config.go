package wingcache

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryStoragePath selects goleveldb's in-memory storage instead of a directory.
const MemoryStoragePath = ":memory:"

type Config struct {
	Server struct {
		Port      int    `yaml:"port"`
		AdminPort int    `yaml:"adminPort"`
		Origin    string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		MaxEntry string `yaml:"maxEntry"`
	} `yaml:"storage"`

	Fetch struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"fetch"`

	Install struct {
		RetryEvery string `yaml:"retryEvery"`
	} `yaml:"install"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Control struct {
		NATS struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"control"`

	Routes []RouteRule `yaml:"routes"`

	// compiled
	ramMax           int64
	maxEntry         int64
	fetchTimeout     time.Duration
	retryEvery       time.Duration
	logStatsEveryDur time.Duration
	classifier       *Classifier
}

// RouteRule binds a set of URL path patterns to a strategy. Rules are tried
// in ascending priority; declaration order breaks ties.
type RouteRule struct {
	Priority int      `yaml:"priority"`
	Strategy string   `yaml:"strategy"`
	Patterns []string `yaml:"patterns"`

	// compiled
	strategy Strategy
	matchers []*regexp.Regexp
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and compiles derived values.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 9090
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.MaxEntry == "" {
		cfg.Storage.MaxEntry = "8mb"
	}
	if cfg.Control.NATS.Subject == "" {
		cfg.Control.NATS.Subject = "wingcache.control"
	}

	var err error
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.maxEntry, err = parseBytes(cfg.Storage.MaxEntry); err != nil {
		return fmt.Errorf("storage.maxEntry: %w", err)
	}
	if cfg.fetchTimeout, err = parseDurationDefault(cfg.Fetch.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.retryEvery, err = parseDurationDefault(cfg.Install.RetryEvery, 30*time.Second); err != nil {
		return fmt.Errorf("install.retryEvery: %w", err)
	}
	if cfg.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if len(cfg.Routes) == 0 {
		cfg.classifier = DefaultClassifier()
		return nil
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		s, ok := ParseStrategy(r.Strategy)
		if !ok {
			return fmt.Errorf("routes[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
		r.strategy = s
		if len(r.Patterns) == 0 {
			return fmt.Errorf("routes[%d].patterns: empty", i)
		}
		r.matchers = r.matchers[:0]
		for j, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("routes[%d].patterns[%d]: %w", i, j, err)
			}
			r.matchers = append(r.matchers, re)
		}
	}
	sort.SliceStable(cfg.Routes, func(i, j int) bool {
		return cfg.Routes[i].Priority < cfg.Routes[j].Priority
	})
	cfg.classifier = &Classifier{rules: cfg.Routes, fallback: NetworkFirst}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}

// NewLogger builds the structured logger described by the logging section.
func (cfg Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(cfg.Logging.Level)
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (r *RouteRule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.MatchString(path) {
			return true
		}
	}
	return false
}
