// Package config loads process configuration from defaults, an optional
// .env file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/sshh12/prompt-stack/pkg/sandbox"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config is the full process configuration.
type Config struct {
	Addr     string
	DBPath   string
	LogLevel string

	ModelProvider string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	ChatModel     string
	MergeModel    string
	// MergeConcurrency bounds parallel merge requests. 0 means unbounded.
	MergeConcurrency int

	StackPacksFile string
	Sandbox        sandbox.Config
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:          ":8080",
		DBPath:        "data/promptstack.db",
		LogLevel:      "info",
		ModelProvider: ProviderOpenAI,
		ChatModel:     "gpt-4o",
		MergeModel:    "gpt-4o-mini",
		Sandbox:       sandbox.DefaultConfig(),
	}
}

// Load returns the defaults overlaid with envFile (when it exists) and the
// process environment. Variables already set in the environment take
// precedence over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("DB_PATH", &c.DBPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("MODEL_PROVIDER", &c.ModelProvider)
	str("OPENAI_API_KEY", &c.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	str("GEMINI_API_KEY", &c.GeminiAPIKey)
	str("CHAT_MODEL", &c.ChatModel)
	str("MERGE_MODEL", &c.MergeModel)
	str("STACK_PACKS_FILE", &c.StackPacksFile)
	str("SANDBOX_MOUNT_PATH", &c.Sandbox.MountPath)

	var errs []error
	parse := func(key string, fn func(string) error) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		if err := fn(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	parse("MERGE_CONCURRENCY", func(v string) (err error) {
		c.MergeConcurrency, err = strconv.Atoi(v)
		return err
	})
	parse("SANDBOX_PORT", func(v string) (err error) {
		c.Sandbox.Port, err = strconv.Atoi(v)
		return err
	})
	parse("SANDBOX_TIMEOUT", func(v string) (err error) {
		c.Sandbox.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse("SANDBOX_POLL_INTERVAL", func(v string) (err error) {
		c.Sandbox.PollInterval, err = time.ParseDuration(v)
		return err
	})
	parse("SANDBOX_CPU", func(v string) (err error) {
		c.Sandbox.CPU, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("SANDBOX_MEMORY", func(v string) (err error) {
		c.Sandbox.MemoryBytes, err = units.RAMInBytes(v)
		return err
	})
	parse("SANDBOX_IGNORE", func(v string) error {
		c.Sandbox.Ignore = splitList(v)
		return nil
	})
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// memoryValue adapts a byte count to a pflag.Value accepting sizes like
// "512m" or "2g".
type memoryValue struct{ bytes *int64 }

func (m memoryValue) String() string {
	if m.bytes == nil {
		return ""
	}
	return units.BytesSize(float64(*m.bytes))
}

func (m memoryValue) Set(s string) error {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return err
	}
	*m.bytes = n
	return nil
}

func (m memoryValue) Type() string { return "bytes" }

// BindFlags registers one flag per setting. Flag defaults are the current
// values of c, so flags override whatever Load produced.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.ModelProvider, "provider", c.ModelProvider, "completion provider (openai, gemini)")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", c.OpenAIBaseURL, "OpenAI-compatible API base URL")
	fs.StringVar(&c.ChatModel, "chat-model", c.ChatModel, "model used for chat turns")
	fs.StringVar(&c.MergeModel, "merge-model", c.MergeModel, "model used for merges and follow-ups")
	fs.IntVar(&c.MergeConcurrency, "merge-concurrency", c.MergeConcurrency, "max parallel merge requests (0 = unbounded)")
	fs.StringVar(&c.StackPacksFile, "stack-packs", c.StackPacksFile, "YAML file with extra stack packs")
	fs.StringVar(&c.Sandbox.MountPath, "sandbox-mount-path", c.Sandbox.MountPath, "project volume mount path inside the sandbox")
	fs.IntVar(&c.Sandbox.Port, "sandbox-port", c.Sandbox.Port, "dev server port inside the sandbox")
	fs.DurationVar(&c.Sandbox.Timeout, "sandbox-timeout", c.Sandbox.Timeout, "maximum sandbox runtime")
	fs.Float64Var(&c.Sandbox.CPU, "sandbox-cpu", c.Sandbox.CPU, "CPUs per sandbox")
	fs.Var(memoryValue{&c.Sandbox.MemoryBytes}, "sandbox-memory", "memory per sandbox (e.g. 1024m)")
	fs.DurationVar(&c.Sandbox.PollInterval, "sandbox-poll-interval", c.Sandbox.PollInterval, "readiness probe interval")
	fs.StringSliceVar(&c.Sandbox.Ignore, "sandbox-ignore", c.Sandbox.Ignore, "path segments hidden from file listings")
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.ModelProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model provider %q", c.ModelProvider))
	}
	if c.Sandbox.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid sandbox port %d", c.Sandbox.Port))
	}
	if c.Sandbox.PollInterval <= 0 {
		errs = append(errs, errors.New("sandbox poll interval must be positive"))
	}
	if c.MergeConcurrency < 0 {
		errs = append(errs, errors.New("merge concurrency must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
