package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/splitter"
	"reduction.dev/chunkcdc/streamreader"
)

type StartupMode string

const (
	// StartupInitial snapshots every table and then streams.
	StartupInitial   StartupMode = "initial"
	StartupEarliest  StartupMode = "earliest"
	StartupLatest    StartupMode = "latest"
	StartupSpecific  StartupMode = "specific"
	StartupTimestamp StartupMode = "timestamp"
)

type StopMode string

const (
	StopNever     StopMode = "never"
	StopLatest    StopMode = "latest"
	StopSpecific  StopMode = "specific"
	StopTimestamp StopMode = "timestamp"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultChunkSize                   = 8096
	DefaultEvenDistributionFactorLower = 0.05
	DefaultEvenDistributionFactorUpper = 100.0
	DefaultSampleShardingThreshold     = 1000
	DefaultInverseSamplingRate         = 1000
	DefaultWorkerCount                 = 4
	DefaultConnectTimeout              = 30 * time.Second
	DefaultConnectMaxRetries           = 3
)

// The object representing CDC source configuration.
type Config struct {
	Source            SourceConfig     `yaml:"source"`
	Tables            []TableConfig    `yaml:"tables"`
	Split             SplitConfig      `yaml:"split"`
	Startup           StartupConfig    `yaml:"startup"`
	Stop              StopConfig       `yaml:"stop"`
	ExactlyOnce       *bool            `yaml:"exactly_once"`
	WorkerCount       int              `yaml:"worker_count"`
	ConnectTimeout    time.Duration    `yaml:"connect_timeout"`
	ConnectMaxRetries *int             `yaml:"connect_max_retries"`
	Checkpoint        CheckpointConfig `yaml:"checkpoint"`
}

type SourceConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type TableConfig struct {
	Name string `yaml:"name"`
	// SplitColumn overrides the primary key column used to split the table.
	SplitColumn string `yaml:"split_column"`
}

type SplitConfig struct {
	ChunkSize                   int64   `yaml:"chunk_size"`
	EvenDistributionFactorLower float64 `yaml:"even_distribution_factor_lower"`
	EvenDistributionFactorUpper float64 `yaml:"even_distribution_factor_upper"`
	SampleShardingThreshold     int64   `yaml:"sample_sharding_threshold"`
	InverseSamplingRate         int     `yaml:"inverse_sampling_rate"`
}

type StartupConfig struct {
	Mode      StartupMode     `yaml:"mode"`
	Position  splits.Position `yaml:"position"`
	Timestamp time.Time       `yaml:"timestamp"`
}

type StopConfig struct {
	Mode      StopMode        `yaml:"mode"`
	Position  splits.Position `yaml:"position"`
	Timestamp time.Time       `yaml:"timestamp"`
}

type CheckpointConfig struct {
	// Location is a local directory, s3://bucket/prefix or
	// etcd://host:port/prefix URI.
	Location string `yaml:"location"`
	// Interval between periodic checkpoints. Zero disables them.
	Interval time.Duration `yaml:"interval"`
	// TrimLog deletes change log events older than the stream start of each
	// saved checkpoint. Only enable it when no other reader shares the log.
	TrimLog bool `yaml:"trim_log"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Split.ChunkSize == 0 {
		c.Split.ChunkSize = DefaultChunkSize
	}
	if c.Split.EvenDistributionFactorLower == 0 {
		c.Split.EvenDistributionFactorLower = DefaultEvenDistributionFactorLower
	}
	if c.Split.EvenDistributionFactorUpper == 0 {
		c.Split.EvenDistributionFactorUpper = DefaultEvenDistributionFactorUpper
	}
	if c.Split.SampleShardingThreshold == 0 {
		c.Split.SampleShardingThreshold = DefaultSampleShardingThreshold
	}
	if c.Split.InverseSamplingRate == 0 {
		c.Split.InverseSamplingRate = DefaultInverseSamplingRate
	}
	c.Startup.Mode = StartupMode(strings.ToLower(string(c.Startup.Mode)))
	if c.Startup.Mode == "" {
		c.Startup.Mode = StartupInitial
	}
	c.Stop.Mode = StopMode(strings.ToLower(string(c.Stop.Mode)))
	if c.Stop.Mode == "" {
		c.Stop.Mode = StopNever
	}
	if c.ExactlyOnce == nil {
		exactlyOnce := c.Startup.Mode == StartupInitial
		c.ExactlyOnce = &exactlyOnce
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectMaxRetries == nil {
		retries := DefaultConnectMaxRetries
		c.ConnectMaxRetries = &retries
	}
}

func (c *Config) Validate() (err error) {
	if c.Source.Driver == "" {
		err = errors.Join(err, fmt.Errorf("source.driver is required"))
	}
	if c.Source.DSN == "" {
		err = errors.Join(err, fmt.Errorf("source.dsn is required"))
	}
	if len(c.Tables) == 0 {
		err = errors.Join(err, fmt.Errorf("need at least 1 table"))
	}
	var names []string
	for i, t := range c.Tables {
		if t.Name == "" {
			err = errors.Join(err, fmt.Errorf("tables[%d].name is required", i))
			continue
		}
		if slices.Contains(names, t.Name) {
			err = errors.Join(err, fmt.Errorf("table %s is listed more than once", t.Name))
		}
		names = append(names, t.Name)
	}

	if c.Split.ChunkSize <= 0 {
		err = errors.Join(err, fmt.Errorf("split.chunk_size must be positive but was %d", c.Split.ChunkSize))
	}
	if c.Split.EvenDistributionFactorLower < 0 || c.Split.EvenDistributionFactorLower > c.Split.EvenDistributionFactorUpper {
		err = errors.Join(err, fmt.Errorf("split distribution factor bounds [%g, %g] are invalid",
			c.Split.EvenDistributionFactorLower, c.Split.EvenDistributionFactorUpper))
	}
	if c.Split.SampleShardingThreshold < 0 {
		err = errors.Join(err, fmt.Errorf("split.sample_sharding_threshold must not be negative"))
	}
	if c.Split.InverseSamplingRate <= 0 {
		err = errors.Join(err, fmt.Errorf("split.inverse_sampling_rate must be positive"))
	}

	switch c.Startup.Mode {
	case StartupInitial, StartupEarliest, StartupLatest, StartupSpecific:
	case StartupTimestamp:
		if c.Startup.Timestamp.IsZero() {
			err = errors.Join(err, fmt.Errorf("startup.timestamp is required for startup mode %s", c.Startup.Mode))
		}
	default:
		err = errors.Join(err, fmt.Errorf("unknown startup mode %q", c.Startup.Mode))
	}
	switch c.Stop.Mode {
	case StopNever, StopLatest, StopSpecific:
	case StopTimestamp:
		if c.Stop.Timestamp.IsZero() {
			err = errors.Join(err, fmt.Errorf("stop.timestamp is required for stop mode %s", c.Stop.Mode))
		}
	default:
		err = errors.Join(err, fmt.Errorf("unknown stop mode %q", c.Stop.Mode))
	}
	if c.ExactlyOnceEnabled() && c.Startup.Mode != StartupInitial {
		err = errors.Join(err, fmt.Errorf("exactly_once requires startup mode %s but was %s", StartupInitial, c.Startup.Mode))
	}

	if c.WorkerCount <= 0 {
		err = errors.Join(err, fmt.Errorf("worker_count must be positive but was %d", c.WorkerCount))
	}
	if c.ConnectTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("connect_timeout must not be negative"))
	}
	if c.MaxRetries() < 0 {
		err = errors.Join(err, fmt.Errorf("connect_max_retries must not be negative"))
	}
	if c.Checkpoint.Interval < 0 {
		err = errors.Join(err, fmt.Errorf("checkpoint.interval must not be negative"))
	}

	return err
}

func (c *Config) ExactlyOnceEnabled() bool {
	return c.ExactlyOnce != nil && *c.ExactlyOnce
}

// MaxRetries is the number of extra attempts for a failed connect or chunk
// read. An explicit zero disables retries.
func (c *Config) MaxRetries() int {
	if c.ConnectMaxRetries == nil {
		return DefaultConnectMaxRetries
	}
	return *c.ConnectMaxRetries
}

func (c *Config) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

func (c *Config) SplitOptions() splitter.Options {
	return splitter.Options{
		ChunkSize:                   c.Split.ChunkSize,
		EvenDistributionFactorLower: c.Split.EvenDistributionFactorLower,
		EvenDistributionFactorUpper: c.Split.EvenDistributionFactorUpper,
		SampleShardingThreshold:     c.Split.SampleShardingThreshold,
		InverseSamplingRate:         c.Split.InverseSamplingRate,
	}
}

func (c *Config) StopCondition() streamreader.StopCondition {
	switch c.Stop.Mode {
	case StopLatest:
		return streamreader.StopCondition{Mode: streamreader.StopLatest}
	case StopSpecific:
		return streamreader.StopCondition{Mode: streamreader.StopSpecific, Position: c.Stop.Position}
	case StopTimestamp:
		return streamreader.StopCondition{Mode: streamreader.StopTimestamp, Timestamp: c.Stop.Timestamp}
	default:
		return streamreader.StopCondition{Mode: streamreader.StopNever}
	}
}
