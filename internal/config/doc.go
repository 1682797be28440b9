/*
Package config provides configuration management for the PVFS client with
multi-source support: YAML files, environment variable overrides, and
compiled-in defaults.

# Configuration Architecture

Multi-source configuration hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│          (PVFS2CLIENT_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)              │
	└─────────────────────────────────────────────┘

# Configuration Structure

Global Settings:
- Logging configuration (level, file)
- Service ports (metrics, health, profiling)

Mounts:
- The tab-file entries this client serves (spec.md §6): server list,
  filesystem name, mount point, and the classic fstab trailer fields.
  Loaded either from the YAML config directly or from a separate tab
  file named by PVFS2CLIENT_TABFILE.

Message Array:
- Per-pair job timeout, retry limit, and retry delay applied to every
  outstanding request, mirroring internal/rpc.Policy.

Cache:
- Attribute and name cache TTL/sizing, and the server-map cache's
  recycle timeout.

Network Configuration:
- Timeout settings
- Retry policies
- Circuit breaker parameters

Security Configuration:
- TLS settings
- Capability certificate/key directory locations

Monitoring Configuration:
- Metrics collection settings
- Health check parameters
- Logging configuration

Feature Flags:
- Capability verification toggle
- Metadata caching toggle
- Batch operation fan-out toggle

# Usage Examples

Loading configuration:

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/pvfs2client/config.yaml"); err != nil {
		log.Fatal(err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  log_file: "/var/log/pvfs2client.log"
	  metrics_port: 8080
	  health_port: 8081
	  profile_port: 6060

	mounts:
	  - server_list: "tcp://meta1:3334,tcp://meta2:3334"
	    fs_name: pvfs2
	    mount_point: /mnt/pvfs2
	    fs_type: pvfs2
	    opts: defaults
	    freq: 0
	    pass_no: 0

	message_array:
	  job_timeout_s: 30
	  retry_limit: 5
	  retry_delay_ms: 2000

	cache:
	  attr_ttl: 5s
	  attr_max_entries: 100000
	  name_ttl: 5s
	  name_max_entries: 100000
	  server_map_recycle_timeout: 5m

Environment variable mapping:

	PVFS2CLIENT_LOG_LEVEL="DEBUG"
	PVFS2CLIENT_LOG_FILE="/var/log/pvfs2client.log"
	PVFS2CLIENT_METRICS_PORT="9090"

	PVFS2CLIENT_JOB_TIMEOUT_S="60"
	PVFS2CLIENT_RETRY_LIMIT="3"
	PVFS2CLIENT_RETRY_DELAY_MS="1000"

	PVFS2CLIENT_ATTR_TTL="10s"
	PVFS2CLIENT_NAME_TTL="10s"
	PVFS2CLIENT_TABFILE="/etc/pvfs2tab"

	PVFS2CLIENT_BATCH_OPERATIONS="true"
	PVFS2CLIENT_METADATA_CACHING="true"

# Validation

Validate checks structural consistency: the message array's retry limit
and job timeout are sane, metrics and health ports don't collide, the log
level is one of the known levels, and every mount entry names a non-empty
server list, a filesystem, and an absolute mount point — with all entries
agreeing on the filesystem name (spec.md §6).

# Security Considerations

Credential Management:
- File permission validation (0600 for saved config files)
- Capability certificate/key files are kept in a directory owned solely
  by the client's user, with permissions restricted to owner rw only

Path Validation:
- Absolute path enforcement for mount points
- Safe directory creation when saving configuration

This package provides the foundation for configuring one pvfs2client
process's mounts, message-array policy, and cache behavior.
*/
package config
