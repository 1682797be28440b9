package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/objectfs/pvfs2client/internal/configcache"
	"gopkg.in/yaml.v2"
)

// Configuration is the complete client configuration: global logging/port
// settings, the mount table, message-array policy, cache sizing, network
// tuning, and security settings. It is loaded from a YAML file, optionally
// overridden by environment variables, and handed to the sysint/rpc layers
// at startup.
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	Mounts       []MountEntry       `yaml:"mounts"`
	MessageArray MessageArrayConfig `yaml:"message_array"`
	Cache        CacheConfig        `yaml:"cache"`
	Network      NetworkConfig      `yaml:"network"`
	Security     SecurityConfig     `yaml:"security"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Features     FeatureConfig      `yaml:"features"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	ProfilePort int    `yaml:"profile_port"`
}

// MountEntry is one tab-file line (spec.md §6): a comma-separated server
// list, the filesystem it names, the local mount point, and the classic
// fstab trailer fields carried for tooling compatibility but not
// interpreted by this client.
//
//	config_server_list fs_name mount_point fs_type opts 0 0
type MountEntry struct {
	ServerList string `yaml:"server_list"`
	FSName     string `yaml:"fs_name"`
	MountPoint string `yaml:"mount_point"`
	FSType     string `yaml:"fs_type"`
	Opts       string `yaml:"opts"`
	Freq       int    `yaml:"freq"`
	PassNo     int    `yaml:"pass_no"`
}

// Servers splits ServerList on commas into its component
// <transport>://<host>:<port>/<fs> URIs.
func (m MountEntry) Servers() []string {
	parts := strings.Split(m.ServerList, ",")
	servers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			servers = append(servers, p)
		}
	}
	return servers
}

// ToConfigCache converts m to the configcache.MountEntry shape consumed by
// Cache.Add/Reinitialize when this mount is installed into the config
// cache at startup.
func (m MountEntry) ToConfigCache() configcache.MountEntry {
	return configcache.MountEntry{
		ServerURIs: m.Servers(),
		FSName:     m.FSName,
		MountPoint: m.MountPoint,
		FSType:     m.FSType,
		Opts:       m.Opts,
	}
}

// ParseTabFile reads a PVFS-style tab file and returns its mount entries,
// delegating each line's field parsing to configcache.ParseTabFile so the
// two packages agree on exactly one reading of the format. Blank lines and
// lines starting with '#' are skipped.
func ParseTabFile(filename string) ([]MountEntry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read tab file: %w", err)
	}

	var entries []MountEntry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cce, err := configcache.ParseTabFile(line)
		if err != nil {
			return nil, fmt.Errorf("tab file line %d: %w", i+1, err)
		}
		fields := strings.Fields(line)
		entry := MountEntry{
			ServerList: strings.Join(cce.ServerURIs, ","),
			FSName:     cce.FSName,
			MountPoint: cce.MountPoint,
			FSType:     cce.FSType,
			Opts:       cce.Opts,
		}
		if len(fields) > 5 {
			entry.Freq, _ = strconv.Atoi(fields[5])
		}
		if len(fields) > 6 {
			entry.PassNo, _ = strconv.Atoi(fields[6])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MessageArrayConfig carries the per-pair retry/timeout policy applied to
// every request the message array sends, mirroring internal/rpc.Policy's
// field units.
type MessageArrayConfig struct {
	JobTimeoutS  int `yaml:"job_timeout_s"`
	RetryLimit   int `yaml:"retry_limit"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

// JobTimeout returns the configured job timeout as a time.Duration.
func (m MessageArrayConfig) JobTimeout() time.Duration {
	return time.Duration(m.JobTimeoutS) * time.Second
}

// RetryDelay returns the configured retry delay as a time.Duration.
func (m MessageArrayConfig) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelayMS) * time.Millisecond
}

// CacheConfig sizes the attribute and name caches (internal/sysint's
// AttrCache/NameCache) and the server-map cache (internal/configcache).
type CacheConfig struct {
	AttrTTL                 time.Duration `yaml:"attr_ttl"`
	AttrMaxEntries          int           `yaml:"attr_max_entries"`
	NameTTL                 time.Duration `yaml:"name_ttl"`
	NameMaxEntries          int           `yaml:"name_max_entries"`
	ServerMapRecycleTimeout time.Duration `yaml:"server_map_recycle_timeout"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SecurityConfig holds TLS transport settings and the location of the
// capability client's persisted certificate/key pair (spec.md §6: a
// per-user directory, permissions locked to owner rw only).
type SecurityConfig struct {
	TLS        TLSConfig        `yaml:"tls"`
	Capability CapabilityConfig `yaml:"capability"`
}

// TLSConfig represents TLS settings
type TLSConfig struct {
	VerifyCertificates bool   `yaml:"verify_certificates"`
	MinVersion         string `yaml:"min_version"`
}

// CapabilityConfig locates the certificate and key files persisted by the
// capability client between processes.
type CapabilityConfig struct {
	CertDir string `yaml:"cert_dir"`
	KeyDir  string `yaml:"key_dir"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool           `yaml:"structured"`
	Format     string         `yaml:"format"`
	Sampling   SamplingConfig `yaml:"sampling"`
}

// SamplingConfig represents log sampling settings
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	Rate    int  `yaml:"rate"`
}

// FeatureConfig represents feature flags
type FeatureConfig struct {
	CapabilityVerification bool `yaml:"capability_verification"`
	MetadataCaching        bool `yaml:"metadata_caching"`
	BatchOperations        bool `yaml:"batch_operations"`
}

// NewDefault returns a configuration with sensible defaults. Mounts is left
// empty: mount entries are deployment-specific and must come from a tab
// file or an explicit config.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
			HealthPort:  8081,
			ProfilePort: 6060,
		},
		MessageArray: MessageArrayConfig{
			JobTimeoutS:  30,
			RetryLimit:   5,
			RetryDelayMS: 2000,
		},
		Cache: CacheConfig{
			AttrTTL:                 5 * time.Second,
			AttrMaxEntries:          100000,
			NameTTL:                 5 * time.Second,
			NameMaxEntries:          100000,
			ServerMapRecycleTimeout: 5 * time.Minute,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Security: SecurityConfig{
			TLS: TLSConfig{
				VerifyCertificates: true,
				MinVersion:         "1.2",
			},
			Capability: CapabilityConfig{
				CertDir: "~/.pvfs2/certs",
				KeyDir:  "~/.pvfs2/keys",
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "pvfs2client",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
				Sampling: SamplingConfig{
					Enabled: true,
					Rate:    1000,
				},
			},
		},
		Features: FeatureConfig{
			CapabilityVerification: true,
			MetadataCaching:        true,
			BatchOperations:        true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PVFS2CLIENT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PVFS2CLIENT_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("PVFS2CLIENT_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("PVFS2CLIENT_JOB_TIMEOUT_S"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MessageArray.JobTimeoutS = n
		}
	}
	if val := os.Getenv("PVFS2CLIENT_RETRY_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MessageArray.RetryLimit = n
		}
	}
	if val := os.Getenv("PVFS2CLIENT_RETRY_DELAY_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MessageArray.RetryDelayMS = n
		}
	}

	if val := os.Getenv("PVFS2CLIENT_ATTR_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.AttrTTL = d
		}
	}
	if val := os.Getenv("PVFS2CLIENT_NAME_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.NameTTL = d
		}
	}

	if val := os.Getenv("PVFS2CLIENT_TABFILE"); val != "" {
		if entries, err := ParseTabFile(val); err == nil {
			c.Mounts = entries
		}
	}

	if val := os.Getenv("PVFS2CLIENT_BATCH_OPERATIONS"); val != "" {
		c.Features.BatchOperations = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PVFS2CLIENT_METADATA_CACHING"); val != "" {
		c.Features.MetadataCaching = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internal consistency: mount
// entries must name a server list, a filesystem, and an absolute mount
// point, and every entry must agree on the filesystem name (spec.md §6).
func (c *Configuration) Validate() error {
	if c.MessageArray.RetryLimit < 0 {
		return fmt.Errorf("message_array.retry_limit must be >= 0")
	}
	if c.MessageArray.JobTimeoutS <= 0 {
		return fmt.Errorf("message_array.job_timeout_s must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	var fsName string
	for i, m := range c.Mounts {
		if len(m.Servers()) == 0 {
			return fmt.Errorf("mount entry %d: server_list must not be empty", i)
		}
		if m.FSName == "" {
			return fmt.Errorf("mount entry %d: fs_name must not be empty", i)
		}
		if !filepath.IsAbs(m.MountPoint) {
			return fmt.Errorf("mount entry %d: mount_point must be absolute", i)
		}
		if fsName == "" {
			fsName = m.FSName
		} else if m.FSName != fsName {
			return fmt.Errorf("mount entry %d: fs_name %q does not match earlier entry's %q", i, m.FSName, fsName)
		}
	}

	return nil
}
