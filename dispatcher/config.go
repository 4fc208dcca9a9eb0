// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import "time"

// Config holds the dispatcher's tunables. New replaces zero values
// with the documented defaults returned by DefaultConfig.
type Config struct {
	// Tick is the L1 assignment loop's period.
	Tick time.Duration

	// HeartbeatSweep is the L3 liveness sweeper's period.
	HeartbeatSweep time.Duration

	// HeartbeatTimeout is how long a worker may go without a
	// heartbeat before L3 calls it unresponsive and recovers its job.
	HeartbeatTimeout time.Duration

	// MaxRetries is the number of failures a planet tolerates before
	// cooling down. See domain.MaxRetries for the compiled-in default.
	MaxRetries int

	// Cooldown is the delay applied when a planet exhausts MaxRetries.
	Cooldown time.Duration

	// Batch bounds how many planets L1 assigns, and L3's error sweep
	// recovers, per tick.
	Batch int

	// EventBuffer sizes the Session Registry's shared event channel.
	EventBuffer int
}

// DefaultConfig returns the dispatcher's documented default tunables.
func DefaultConfig() Config {
	return Config{
		Tick:             2 * time.Second,
		HeartbeatSweep:   5 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		MaxRetries:       5,
		Cooldown:         30 * time.Second,
		Batch:            20,
		EventBuffer:      256,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.HeartbeatSweep <= 0 {
		c.HeartbeatSweep = d.HeartbeatSweep
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}
