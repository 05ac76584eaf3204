package trunkline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/wire"
)

// DefaultCfgPath is the platform default config file location.
var DefaultCfgPath string

func init() {
	switch runtime.GOOS {
	case "windows":
		ex, err := os.Executable()
		if err == nil {
			DefaultCfgPath = filepath.Join(filepath.Dir(ex), "./trunkline.conf")
		}
	case "darwin":
		DefaultCfgPath = os.Getenv("HOME") + "/.trunkline/trunkline.conf"
	default:
		DefaultCfgPath = "/etc/trunkline/trunkline.conf"
	}
}

// Config carries all engine tunables. When read from file on top of
// NewConfig, keys absent from the file keep their defaults.
type Config struct {
	ListenAddress string `toml:"listen_address"` // UDP address to bind, empty for all interfaces
	Port          int    `toml:"port"`           // UDP port to run the protocol on

	PidFile  string   `toml:"pid"`
	LogFile  string   `toml:"log"`
	LogLevel LogLevel `toml:"log_level"`

	LogFileMaxSizeMB  int `toml:"log_max_size_mb"` // rotate the log file above this size
	LogFileMaxBackups int `toml:"log_max_backups"` // rotated files to keep

	TransactionBuckets  int `toml:"transaction_buckets"`    // initial sizing of the transaction table
	RetransCount        int `toml:"retrans_count"`          // full frame retransmissions before timeout
	RetransIntervalMS   int `toml:"retrans_interval_ms"`    // first retransmission interval, doubles per retry
	AuthTimeoutS        int `toml:"auth_timeout_s"`         // timeout of acknowledged auth frames awaiting the next step
	TransTimeoutS       int `toml:"trans_timeout_s"`        // terminating transaction timeout
	MaxFullFramePayload int `toml:"max_full_frame_payload"` // upper bound for full frame and trunk payloads
	PingIntervalS       int `toml:"ping_interval_s"`        // keepalive ping period, 0 derives from the retransmit settings
	TrunkFlushMS        int `toml:"trunk_flush_ms"`         // trunk buffer flush period

	DefaultFormat uint32 `toml:"default_format"` // media format offered when the caller names none
	Capability    uint32 `toml:"capability"`     // media capability mask

	AuthSecret string `toml:"auth_secret"` // shared secret for MD5 challenge-response on inbound transactions

	StatsAddress string `toml:"stats_address"` // optional HTTP listen address for the stats endpoint
	StatsFile    string `toml:"stats_file"`    // optional file the stats snapshot is written to
}

// NewConfig returns a Config with the protocol defaults filled in.
func NewConfig() *Config {
	var defaultLogPath string
	if runtime.GOOS == "linux" {
		defaultLogPath = "/var/log/trunkline/trunkline.log"
	}

	return &Config{
		Port:                4569,
		LogFile:             defaultLogPath,
		LogLevel:            LogLevelInfo,
		LogFileMaxSizeMB:    50,
		LogFileMaxBackups:   3,
		TransactionBuckets:  64,
		RetransCount:        4,
		RetransIntervalMS:   500,
		AuthTimeoutS:        30,
		TransTimeoutS:       10,
		MaxFullFramePayload: 1400,
		TrunkFlushMS:        20,
		DefaultFormat:       wire.FormatULAW,
		Capability:          wire.FormatULAW | wire.FormatALAW | wire.FormatGSM | wire.FormatSLIN,
	}
}

// Validate rejects configurations the engine cannot run with.
func (cfg *Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return newFieldError("port", fmt.Errorf("%d outside 0..65535", cfg.Port))
	}
	if cfg.RetransCount < 0 {
		return newFieldError("retrans_count", fmt.Errorf("must not be negative"))
	}
	if cfg.RetransIntervalMS <= 0 {
		return newFieldError("retrans_interval_ms", fmt.Errorf("must be positive"))
	}
	if cfg.MaxFullFramePayload < wire.TrunkFrameHeaderLen+wire.TrunkEntryHeaderLen {
		return newFieldError("max_full_frame_payload", fmt.Errorf("too small to fit a single trunk entry"))
	}
	if cfg.TrunkFlushMS <= 0 {
		return newFieldError("trunk_flush_ms", fmt.Errorf("must be positive"))
	}
	if cfg.Capability == 0 {
		return newFieldError("capability", fmt.Errorf("empty media capability mask"))
	}
	return nil
}

// ReadConfigFromFile loads cfg from a TOML file on top of the defaults.
func (cfg *Config) ReadConfigFromFile(configFilePath string) error {
	if _, err := os.Stat(configFilePath); err != nil {
		return err
	}
	if _, err := toml.DecodeFile(configFilePath, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// CreateDefaultConfigFile writes the current config as the initial config
// file, creating the directory if needed.
func (cfg *Config) CreateDefaultConfigFile(configFilePath string) error {
	dir := filepath.Dir(configFilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Errorf("Failed to create the config dir: '%s'", dir)
	}
	f, err := os.OpenFile(configFilePath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create the default config file: '%s'", configFilePath)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// DumpConfigToml renders the active config as TOML.
func (cfg *Config) DumpConfigToml() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		log.WithError(err).Error("cannot dump config")
	}
	return buf.String()
}

func (cfg *Config) retransInterval() int {
	if cfg.RetransIntervalMS <= 0 {
		return 500
	}
	return cfg.RetransIntervalMS
}

// pingIntervalMS derives the keepalive period when none is configured: the
// base retransmission interval times the retransmission count (at least
// one), doubled.
func (cfg *Config) pingIntervalMS() uint64 {
	if cfg.PingIntervalS > 0 {
		return uint64(cfg.PingIntervalS) * 1000
	}
	count := cfg.RetransCount
	if count < 1 {
		count = 1
	}
	return uint64(cfg.retransInterval()) * uint64(count) * 2
}
