package cnxn

import (
	"time"

	"go.uber.org/zap"
)

// Config is an immutable snapshot built via functional options, in the
// same shape the frame package's own Options/Option pair uses.
type Config struct {
	ListenAddr string

	// MaxClientCnxns caps live connections from a single remote IP. Zero
	// disables the cap.
	MaxClientCnxns int

	// SelectorWaitBudget is the wall-clock budget one reactor sweep spends
	// polling the live connection set for readiness, divided across the
	// active set per tick.
	SelectorWaitBudget time.Duration

	// DirectBufferSize is the size of the reactor's shared coalescing
	// buffer used by the write path.
	DirectBufferSize int

	// MaxFrameLen caps the accepted payload size of a single frame.
	MaxFrameLen int

	MinSessionTimeout int32
	MaxSessionTimeout int32

	Logger *zap.Logger
}

var defaultConfig = Config{
	ListenAddr:         ":2181",
	MaxClientCnxns:     10,
	SelectorWaitBudget: time.Second,
	DirectBufferSize:   64 * 1024,
	MaxFrameLen:        1 << 20,
	MinSessionTimeout:  4000,
	MaxSessionTimeout:  40000,
}

// Option configures a Config.
type Option func(*Config)

// NewConfig builds a Config from defaults plus opts, in order.
func NewConfig(opts ...Option) Config {
	c := defaultConfig
	for _, fn := range opts {
		fn(&c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func WithListenAddr(addr string) Option { return func(c *Config) { c.ListenAddr = addr } }

func WithMaxClientCnxns(n int) Option { return func(c *Config) { c.MaxClientCnxns = n } }

func WithSelectorWaitBudget(d time.Duration) Option {
	return func(c *Config) { c.SelectorWaitBudget = d }
}

func WithDirectBufferSize(n int) Option { return func(c *Config) { c.DirectBufferSize = n } }

func WithMaxFrameLen(n int) Option { return func(c *Config) { c.MaxFrameLen = n } }

func WithSessionTimeoutBounds(min, max int32) Option {
	return func(c *Config) { c.MinSessionTimeout, c.MaxSessionTimeout = min, max }
}

func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

// clampTimeout clamps a requested session timeout to the configured bounds.
func (c Config) clampTimeout(requested int32) int32 {
	switch {
	case requested < c.MinSessionTimeout:
		return c.MinSessionTimeout
	case requested > c.MaxSessionTimeout:
		return c.MaxSessionTimeout
	default:
		return requested
	}
}
