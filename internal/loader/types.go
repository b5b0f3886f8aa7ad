package loader

import (
	"strconv"
	"strings"
	"time"

	defaults "github.com/vigil-sh/vigil/config"
)

// Config is the top-level YAML configuration.
type Config struct {
	// Listen is the HTTP listen address for the admin/query API.
	// Default: 0.0.0.0:9464
	Listen string `yaml:"listen"`

	// DataDir is the root directory of the storage engine.
	// Default: data
	DataDir string `yaml:"data_dir"`

	// Storage tunes the storage engine.
	Storage StorageConfig `yaml:"storage"`

	// Scrape holds the per-target defaults.
	Scrape ScrapeConfig `yaml:"scrape"`

	// Targets are the metric endpoints to scrape.
	Targets []TargetConfig `yaml:"targets"`

	// Probes are synthetic reachability checks scraped through the local
	// prober handler.
	Probes []ProbeConfig `yaml:"probes"`
}

// StorageConfig tunes the storage engine.
type StorageConfig struct {
	// BlockWindow is the time span covered by one sealed block.
	// Default: 2h
	BlockWindow Duration `yaml:"block_window"`

	// Retention is how long samples are kept.
	// Default: 2160h (90 days)
	Retention Duration `yaml:"retention"`

	// RetentionInterval is how often the retention sweep runs.
	// Default: 1h
	RetentionInterval Duration `yaml:"retention_interval"`

	// CompactionInterval is how often the compaction engine runs.
	// Default: 30m
	CompactionInterval Duration `yaml:"compaction_interval"`

	// MaxBlockSpan caps the time range of a compacted block.
	// Default: 24h
	MaxBlockSpan Duration `yaml:"max_block_span"`

	// WAL tunes the write-ahead log.
	WAL WALConfig `yaml:"wal"`
}

// WALConfig tunes the write-ahead log.
type WALConfig struct {
	// MaxSegmentSize is the max segment size before rotation.
	// Default: 64MB
	MaxSegmentSize ByteSize `yaml:"max_segment_size"`

	// SyncMode controls write durability:
	//   async  - buffered, flushed on interval (fastest)
	//   sync   - flushed after each batch
	//   fsync  - fsynced after each batch (safest, slowest)
	// Default: async
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the flush interval for async mode.
	// Default: 1s
	SyncInterval Duration `yaml:"sync_interval"`
}

// ScrapeConfig holds the defaults applied to targets that do not set
// their own interval or timeout.
type ScrapeConfig struct {
	// Interval is the default scrape interval.
	// Default: 15s
	Interval Duration `yaml:"interval"`

	// Timeout is the default per-scrape timeout.
	// Default: 10s
	Timeout Duration `yaml:"timeout"`

	// Workers is the size of the scrape worker pool.
	// Default: 50
	Workers int `yaml:"workers"`

	// QueueSize is the scrape dispatch queue depth.
	// Default: 1000
	QueueSize int `yaml:"queue_size"`
}

// TargetConfig declares one scrape target.
type TargetConfig struct {
	// Name identifies the target in logs and the API.
	Name string `yaml:"name"`

	// Address is the host:port of the exposition endpoint.
	Address string `yaml:"address"`

	// Scheme is http or https.
	// Default: http
	Scheme string `yaml:"scheme"`

	// Path is the exposition path on the target.
	// Default: /metrics
	Path string `yaml:"path"`

	// Interval overrides the default scrape interval.
	Interval Duration `yaml:"interval"`

	// Timeout overrides the default scrape timeout.
	Timeout Duration `yaml:"timeout"`

	// Labels are attached to every sample of this target. They win over
	// labels carried in the scraped body.
	Labels map[string]string `yaml:"labels"`
}

// ProbeConfig declares one synthetic reachability probe.
type ProbeConfig struct {
	// Name identifies the probe; it becomes the probe's instance label.
	Name string `yaml:"name"`

	// Module selects the probe type: http, tcp or snmp.
	Module string `yaml:"module"`

	// Target is the address to probe. For http a URL, otherwise host:port.
	Target string `yaml:"target"`

	// Interval overrides the default scrape interval.
	Interval Duration `yaml:"interval"`

	// Timeout is the probe deadline.
	// Default: 5s
	Timeout Duration `yaml:"timeout"`

	// Community is the SNMPv2c community for the snmp module.
	// Default: public
	Community string `yaml:"community"`

	// Labels are attached to every sample of this probe.
	Labels map[string]string `yaml:"labels"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaults.DefaultListenAddress,
		DataDir: "data",
		Storage: StorageConfig{
			BlockWindow:        Duration(defaults.DefaultBlockWindow),
			Retention:          Duration(defaults.DefaultRetention),
			RetentionInterval:  Duration(defaults.DefaultRetentionInterval),
			CompactionInterval: Duration(defaults.DefaultCompactionInterval),
			MaxBlockSpan:       Duration(defaults.DefaultMaxBlockSpan),
			WAL: WALConfig{
				MaxSegmentSize: ByteSize(64 * 1024 * 1024),
				SyncMode:       "async",
				SyncInterval:   Duration(time.Second),
			},
		},
		Scrape: ScrapeConfig{
			Interval:  Duration(defaults.DefaultScrapeInterval),
			Timeout:   Duration(defaults.DefaultScrapeTimeout),
			Workers:   defaults.DefaultScrapeWorkers,
			QueueSize: defaults.DefaultScrapeQueueSize,
		},
	}
}

// Duration is a time.Duration that can be unmarshaled from YAML as a
// duration string or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix string
		factor int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 10, 64)
			if err != nil {
				return 0, err
			}
			return n * u.factor, nil
		}
	}

	return strconv.ParseInt(s, 10, 64)
}
