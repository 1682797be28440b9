package s3bmi

import "time"

// Config configures the S3-backed BMI/flow adapter: bucket, endpoint, pool
// sizing, and the cargoship multipart thresholds, mirroring the shape of
// the teacher's own S3 backend configuration.
type Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	PoolSize      int           `yaml:"pool_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ReceivePollInterval is how often Receive re-lists a mailbox prefix
	// while waiting for a message to arrive.
	ReceivePollInterval time.Duration `yaml:"receive_poll_interval"`

	// EnableCargoShipOptimization routes flow writes at or above
	// MultipartThreshold through cargoship's transporter instead of a
	// single PutObject.
	EnableCargoShipOptimization bool  `yaml:"enable_cargoship_optimization"`
	MultipartThreshold          int64 `yaml:"multipart_threshold"`
	MultipartChunkSize          int64 `yaml:"multipart_chunk_size"`
	MultipartConcurrency        int   `yaml:"multipart_concurrency"`
}

// DefaultConfig returns the settings used when a caller doesn't override
// them, scaled for the small control messages and striped dfile I/O this
// adapter actually carries rather than the teacher's general-purpose
// object-storage workload.
func DefaultConfig() *Config {
	return &Config{
		Region:                      "us-east-1",
		PoolSize:                    8,
		MaxRetries:                  3,
		RequestTimeout:              30 * time.Second,
		ReceivePollInterval:         50 * time.Millisecond,
		EnableCargoShipOptimization: true,
		MultipartThreshold:          32 * 1024 * 1024,
		MultipartChunkSize:          16 * 1024 * 1024,
		MultipartConcurrency:        4,
	}
}
