package postgres

import (
	"fmt"
	"time"
)

// StoreConfig holds pipeline-specific configuration for the PostgreSQL store.
// Pool configuration is handled separately via PoolConfig.
type StoreConfig struct {
	// QueryTimeout is the maximum time a single statement or transaction may run.
	// Default: 10 seconds
	// Set to a negative value to use context timeouts only.
	QueryTimeout time.Duration

	// LockTimeout bounds how long UpdateTask waits for the row lock on a task
	// before failing with store.ErrLockTimeout.
	// Default: 5 seconds
	LockTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *StoreConfig) Validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive")
	}
	if c.QueryTimeout > 0 && c.QueryTimeout < c.LockTimeout {
		return fmt.Errorf("query timeout %s must not be shorter than lock timeout %s", c.QueryTimeout, c.LockTimeout)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 5 * time.Second
	}
}
