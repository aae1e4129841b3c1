package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chatstream.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon.
type Config struct {
	Environment string

	// HTTP surface
	ListenPort int

	// Credit ledger service
	LedgerBaseURL   string
	LedgerAuthToken string
	RatesFile       string

	// Model provider
	ProviderBaseURL        string
	ProviderAPIKey         string
	ProviderRequestTimeout time.Duration

	// Stream coordination
	MaxStreamDuration       time.Duration
	ConnectRetries          int
	RetryBackoff            time.Duration
	ResponseTokenAssumption int
	ObserverQueueSize       int
	ContinueForObservers    bool

	// Session archive: sqlite or postgres
	ArchiveDriver   string
	ArchivePath     string
	ArchiveDSN      string
	ArchiveMaxOpen  int
	ArchiveMaxIdle  int
	ArchiveConnLife int // minutes
	ArchiveConnIdle int // minutes

	LogFile  string
	LogLevel string
}

// Load reads the current environment and loads the matching config file.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:     s.Environment,
		ListenPort:      parseOptionalInt(firstNonEmpty(os.Getenv("CHATSTREAM_PORT"), merged["port"]), 8090),
		LedgerBaseURL:   firstNonEmpty(os.Getenv("CHATSTREAM_LEDGER_BASE_URL"), merged["ledger_base_url"], "http://localhost:8091"),
		LedgerAuthToken: firstNonEmpty(os.Getenv("CHATSTREAM_LEDGER_AUTH_TOKEN"), merged["ledger_auth_token"]),
		RatesFile:       firstNonEmpty(os.Getenv("CHATSTREAM_RATES_FILE"), merged["rates_file"], "config/rates.yaml"),
		ProviderBaseURL: firstNonEmpty(os.Getenv("CHATSTREAM_PROVIDER_BASE_URL"), merged["provider_base_url"]),
		ProviderAPIKey:  firstNonEmpty(os.Getenv("CHATSTREAM_PROVIDER_API_KEY"), merged["provider_api_key"]),
		LogFile:         firstNonEmpty(os.Getenv("CHATSTREAM_LOG_FILE"), merged["log_file"]),
		LogLevel:        firstNonEmpty(merged["log_level"], "info"),
	}

	cfg.ProviderRequestTimeout, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("CHATSTREAM_PROVIDER_TIMEOUT"), merged["provider_timeout"]), 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid provider_timeout: %w", err)
	}
	cfg.MaxStreamDuration, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("CHATSTREAM_MAX_STREAM_DURATION"), merged["max_stream_duration"]), 5*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid max_stream_duration: %w", err)
	}
	cfg.RetryBackoff, err = parseOptionalDuration(
		firstNonEmpty(os.Getenv("CHATSTREAM_RETRY_BACKOFF"), merged["retry_backoff"]), 500*time.Millisecond)
	if err != nil {
		return Config{}, fmt.Errorf("invalid retry_backoff: %w", err)
	}

	cfg.ConnectRetries = parseOptionalInt(firstNonEmpty(os.Getenv("CHATSTREAM_CONNECT_RETRIES"), merged["connect_retries"]), 3)
	cfg.ResponseTokenAssumption = parseOptionalInt(merged["response_token_assumption"], 1024)
	cfg.ObserverQueueSize = parseOptionalInt(merged["observer_queue_size"], 64)
	cfg.ContinueForObservers = parseOptionalBool(
		firstNonEmpty(os.Getenv("CHATSTREAM_CONTINUE_FOR_OBSERVERS"), merged["continue_for_observers"]), true)

	cfg.ArchiveDriver = strings.ToLower(firstNonEmpty(os.Getenv("CHATSTREAM_ARCHIVE_DRIVER"), merged["archive_driver"], "sqlite"))
	switch cfg.ArchiveDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid archive_driver %q (want sqlite or postgres)", cfg.ArchiveDriver)
	}
	cfg.ArchivePath = firstNonEmpty(os.Getenv("CHATSTREAM_ARCHIVE_PATH"), merged["archive_path"], DefaultArchivePath())
	cfg.ArchiveDSN = firstNonEmpty(os.Getenv("CHATSTREAM_ARCHIVE_DSN"), merged["archive_dsn"])
	if cfg.ArchiveDriver == "postgres" && cfg.ArchiveDSN == "" {
		return Config{}, errors.New("archive_driver=postgres requires archive_dsn")
	}
	cfg.ArchiveMaxOpen = parseOptionalInt(merged["archive_max_open"], 20)
	cfg.ArchiveMaxIdle = parseOptionalInt(merged["archive_max_idle"], 5)
	cfg.ArchiveConnLife = parseOptionalInt(merged["archive_conn_lifetime_minutes"], 60)
	cfg.ArchiveConnIdle = parseOptionalInt(merged["archive_conn_idle_minutes"], 10)

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("CHATSTREAM_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultArchivePath returns the fallback archive location under the
// user's home directory.
func DefaultArchivePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "archive.db"
	}
	return filepath.Join(home, ".chatstream", "archive.db")
}
