package isp

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Progress is reported after every committed page.
type Progress struct {
	Page        int
	Pages       int
	WordAddress uint16
	Elapsed     time.Duration
}

type ProgressFunc func(Progress)

type Config struct {
	/* Level driven during the reset pulse. The line is left at the
	 * opposite level, which must hold the target in reset. */
	ResetPulse gpio.Level

	PulseWidth  time.Duration
	SettleDelay time.Duration

	/* 0 polls forever */
	MaxPolls int

	Mode spi.Mode

	Progress ProgressFunc
}

func defaultConfig() Config {
	return Config{
		ResetPulse:  gpio.High,
		PulseWidth:  time.Millisecond,
		SettleDelay: 20 * time.Millisecond,
		Mode:        spi.Mode0,
	}
}

type Option func(*Config)

func WithResetTiming(pulseWidth, settleDelay time.Duration) Option {
	return func(c *Config) {
		c.PulseWidth = pulseWidth
		c.SettleDelay = settleDelay
	}
}

func WithResetPulse(level gpio.Level) Option {
	return func(c *Config) {
		c.ResetPulse = level
	}
}

// WithMaxPolls bounds ready polling. The default polls until the device
// reports ready.
func WithMaxPolls(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxPolls = n
		}
	}
}

func WithSPIMode(mode spi.Mode) Option {
	return func(c *Config) {
		c.Mode = mode
	}
}

func WithProgress(f ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = f
	}
}
