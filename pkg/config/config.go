// Package config loads and validates the gv50d server configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// GV50D_* environment variables. The device password is a protocol constant
// the trackers were provisioned with, not a credential; it appears verbatim
// in logs and outbound AT commands.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetlink/gv50d/pkg/util"
)

// Config holds every tunable of the ingestion server.
type Config struct {
	ListenIP       string `yaml:"listen_ip"`
	ListenPort     int    `yaml:"listen_port"`
	MaxConnections int    `yaml:"max_connections"`

	// AllowedIPs is matched as exact strings against the source address of
	// each connection. Empty, or containing "0.0.0.0/0", allows everyone.
	AllowedIPs []string `yaml:"allowed_ips"`

	// ConnectionTimeoutS is the inactivity window after which the sweeper
	// closes a connection. Devices on low reporting schedules stay connected
	// for hours, hence the large default.
	ConnectionTimeoutS int `yaml:"connection_timeout_s"`

	// CommandRetryS is how long a dispatched command holds the reply slot
	// before an unacknowledged device gets the command again.
	CommandRetryS int `yaml:"command_retry_s"`

	DevicePassword string `yaml:"device_password"`

	PrimaryServerIP   string `yaml:"primary_server_ip"`
	PrimaryServerPort int    `yaml:"primary_server_port"`
	BackupServerIP    string `yaml:"backup_server_ip"`
	BackupServerPort  int    `yaml:"backup_server_port"`

	LowBatteryVolts float64 `yaml:"low_battery_volts"`

	PersistenceURI string `yaml:"persistence_uri"`
	PersistenceDB  string `yaml:"persistence_db"`

	NotificationsEnabled bool   `yaml:"notifications_enabled"`
	FCMCredentialsPath   string `yaml:"fcm_credentials_path"`
	DefaultTopic         string `yaml:"default_topic"`

	LogLevel string `yaml:"log_level"`

	LogIncoming       bool   `yaml:"log_incoming"`
	LogOutgoing       bool   `yaml:"log_outgoing"`
	JournalPath       string `yaml:"journal_path"`
	JournalMaxSizeMB  int    `yaml:"journal_max_size_mb"`
	JournalMaxBackups int    `yaml:"journal_max_backups"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		ListenIP:           "0.0.0.0",
		ListenPort:         8000,
		MaxConnections:     2000,
		ConnectionTimeoutS: 3600,
		CommandRetryS:      60,
		DevicePassword:     "gv50",
		LowBatteryVolts:    11.5,
		PersistenceURI:     "mongodb://localhost:27017",
		PersistenceDB:      "gv50",
		DefaultTopic:       "vehicle_alerts",
		LogLevel:           "info",
		JournalPath:        "gv50d-wire.log",
		JournalMaxSizeMB:   100,
		JournalMaxBackups:  5,
	}
}

// Load reads the YAML file at path (if path is empty or the file does not
// exist, defaults apply), layers environment overrides on top, and validates
// the result.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	envString("GV50D_LISTEN_IP", &c.ListenIP)
	envInt("GV50D_LISTEN_PORT", &c.ListenPort)
	envInt("GV50D_MAX_CONNECTIONS", &c.MaxConnections)
	envList("GV50D_ALLOWED_IPS", &c.AllowedIPs)
	envInt("GV50D_CONNECTION_TIMEOUT_S", &c.ConnectionTimeoutS)
	envInt("GV50D_COMMAND_RETRY_S", &c.CommandRetryS)
	envString("GV50D_DEVICE_PASSWORD", &c.DevicePassword)
	envString("GV50D_PRIMARY_SERVER_IP", &c.PrimaryServerIP)
	envInt("GV50D_PRIMARY_SERVER_PORT", &c.PrimaryServerPort)
	envString("GV50D_BACKUP_SERVER_IP", &c.BackupServerIP)
	envInt("GV50D_BACKUP_SERVER_PORT", &c.BackupServerPort)
	envFloat("GV50D_LOW_BATTERY_VOLTS", &c.LowBatteryVolts)
	envString("GV50D_PERSISTENCE_URI", &c.PersistenceURI)
	envString("GV50D_PERSISTENCE_DB", &c.PersistenceDB)
	envBool("GV50D_NOTIFICATIONS_ENABLED", &c.NotificationsEnabled)
	envString("GV50D_FCM_CREDENTIALS_PATH", &c.FCMCredentialsPath)
	envString("GV50D_DEFAULT_TOPIC", &c.DefaultTopic)
	envString("GV50D_LOG_LEVEL", &c.LogLevel)
	envBool("GV50D_LOG_INCOMING", &c.LogIncoming)
	envBool("GV50D_LOG_OUTGOING", &c.LogOutgoing)
	envString("GV50D_JOURNAL_PATH", &c.JournalPath)
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}

	v.Add(c.ListenPort > 0 && c.ListenPort < 65536,
		fmt.Sprintf("listen_port must be 1-65535, got %d", c.ListenPort))
	v.Add(c.MaxConnections > 0,
		fmt.Sprintf("max_connections must be positive, got %d", c.MaxConnections))
	v.Add(c.ConnectionTimeoutS > 0,
		fmt.Sprintf("connection_timeout_s must be positive, got %d", c.ConnectionTimeoutS))
	v.Add(c.CommandRetryS > 0,
		fmt.Sprintf("command_retry_s must be positive, got %d", c.CommandRetryS))
	v.Add(c.DevicePassword != "", "device_password must not be empty")
	v.Add(c.LowBatteryVolts > 0,
		fmt.Sprintf("low_battery_volts must be positive, got %g", c.LowBatteryVolts))
	v.Add(c.PersistenceURI != "", "persistence_uri must not be empty")
	v.Add(c.PersistenceDB != "", "persistence_db must not be empty")

	if c.ListenIP != "" && net.ParseIP(c.ListenIP) == nil {
		v.AddErrorf("listen_ip %q is not a valid IP address", c.ListenIP)
	}

	// Redirect targets are dialed by the tracker firmware, which only
	// speaks IPv4.
	if c.PrimaryServerIP != "" && !util.IsValidIPv4(c.PrimaryServerIP) {
		v.AddErrorf("primary_server_ip %q is not a valid IPv4 address", c.PrimaryServerIP)
	}
	if c.BackupServerIP != "" && !util.IsValidIPv4(c.BackupServerIP) {
		v.AddErrorf("backup_server_ip %q is not a valid IPv4 address", c.BackupServerIP)
	}

	if c.NotificationsEnabled && c.FCMCredentialsPath == "" {
		v.AddError("notifications_enabled requires fcm_credentials_path")
	}

	return v.Build()
}

// ListenAddr returns the host:port the TCP listener binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenIP, strconv.Itoa(c.ListenPort))
}

// ConnectionTimeout returns the sweeper inactivity window as a Duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutS) * time.Second
}

// CommandRetry returns the command retry window as a Duration.
func (c *Config) CommandRetry() time.Duration {
	return time.Duration(c.CommandRetryS) * time.Second
}

// IPAllowed reports whether a source IP passes the allowlist. The list is
// matched by exact string; an empty list or the literal "0.0.0.0/0" allows
// every source.
func (c *Config) IPAllowed(ip string) bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range c.AllowedIPs {
		if allowed == "0.0.0.0/0" || allowed == ip {
			return true
		}
	}
	return false
}

// String renders a one-line summary suitable for the startup log.
func (c *Config) String() string {
	allow := "all"
	if len(c.AllowedIPs) > 0 {
		allow = strings.Join(c.AllowedIPs, ",")
	}
	return fmt.Sprintf("listen=%s max_conns=%d timeout=%ds allow=%s db=%s/%s notify=%t",
		c.ListenAddr(), c.MaxConnections, c.ConnectionTimeoutS, allow,
		c.PersistenceURI, c.PersistenceDB, c.NotificationsEnabled)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		*dst = util.SplitCommaSeparated(v)
	}
}
