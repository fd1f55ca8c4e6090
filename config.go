package gotftp

import "time"

// Config holds session defaults. It is passed by value and never
// mutated after construction, so a Client or Dispatcher never carries
// any process-wide mutable state.
type Config struct {
	// Blksize is the blksize a client will request. A server does not
	// read it: it echoes the client's request clamped to [8, 65464].
	// Default 512.
	Blksize int

	// Timeout is the per-session retransmit wait. Default 5s.
	Timeout time.Duration

	// Retries is the retransmit budget. It is restored to this value
	// whenever a correctly-numbered reply arrives, so only consecutive
	// losses exhaust it. Default 3.
	Retries int

	// WantTsize, when true, makes a client request tsize=0 on
	// download (asking the server to report the file size) or the
	// source's known size on upload.
	WantTsize bool
	// TsizeHint is the value a client-upload sends for tsize; ignored
	// for download, where 0 always means "tell me".
	TsizeHint int

	Logger     Logger
	PacketHook PacketHook
	Cancel     <-chan struct{}

	// Prom, when set, receives every session's terminal Metrics.
	Prom *PromMetrics

	// nowFn is overridable in tests so Metrics timestamps don't depend
	// on wall-clock time; nil means time.Now.
	nowFn func() time.Time
}

func (c Config) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}

// DefaultConfig returns the library's baseline defaults: 512-byte
// blocks, a 5s retransmit timeout, 3 retries, and a discard logger.
func DefaultConfig() Config {
	return Config{
		Blksize: DefaultBlksize,
		Timeout: 5 * time.Second,
		Retries: 3,
		Logger:  DiscardLogger(),
	}
}

// ConfigOption configures a Config. Functional options keep Client/Server
// construction free of package-level mutable defaults.
type ConfigOption func(*Config)

func WithBlksize(n int) ConfigOption {
	return func(c *Config) { c.Blksize = n }
}

func WithTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.Timeout = d }
}

func WithRetries(n int) ConfigOption {
	return func(c *Config) { c.Retries = n }
}

func WithTsize(hint int) ConfigOption {
	return func(c *Config) { c.WantTsize = true; c.TsizeHint = hint }
}

func WithLogger(l Logger) ConfigOption {
	return func(c *Config) { c.Logger = l }
}

func WithPacketHook(h PacketHook) ConfigOption {
	return func(c *Config) { c.PacketHook = h }
}

func WithCancel(ch <-chan struct{}) ConfigOption {
	return func(c *Config) { c.Cancel = ch }
}

func WithPromMetrics(pm *PromMetrics) ConfigOption {
	return func(c *Config) { c.Prom = pm }
}

func newConfig(opts []ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
