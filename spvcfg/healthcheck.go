package spvcfg

import (
	"errors"
	"fmt"
	"time"
)

var (
	// MinHealthCheckInterval is the minimum interval we allow between
	// health checks.
	MinHealthCheckInterval = time.Minute

	// MinHealthCheckTimeout is the minimum timeout we allow for health
	// check calls.
	MinHealthCheckTimeout = time.Second

	// MinHealthCheckBackoff is the minimum back off we allow between health
	// check retries.
	MinHealthCheckBackoff = time.Second
)

const (
	defaultRequiredDisk = 0.1
	defaultDiskInterval = time.Hour * 12
	defaultDiskTimeout  = time.Second * 5
	defaultDiskBackoff  = time.Minute
	defaultDiskAttempts = 2
)

// HealthCheck holds the health checks run while the daemon is up.
type HealthCheck struct {
	DiskCheck *DiskCheck `group:"diskspace" namespace:"diskspace"`
}

// DefaultHealthCheck returns the default health check settings.
func DefaultHealthCheck() *HealthCheck {
	return &HealthCheck{
		DiskCheck: &DiskCheck{
			RequiredRemaining: defaultRequiredDisk,
			CheckConfig: &CheckConfig{
				Interval: defaultDiskInterval,
				Attempts: defaultDiskAttempts,
				Timeout:  defaultDiskTimeout,
				Backoff:  defaultDiskBackoff,
			},
		},
	}
}

// Validate checks the values of the configured health checks.
//
// NOTE: Part of the Validator interface.
func (h *HealthCheck) Validate() error {
	if h.DiskCheck == nil || h.DiskCheck.CheckConfig == nil {
		return errors.New("disk space check settings missing")
	}

	if err := h.DiskCheck.validate("disk space"); err != nil {
		return err
	}

	if h.DiskCheck.RequiredRemaining < 0 ||
		h.DiskCheck.RequiredRemaining >= 1 {

		return fmt.Errorf("disk required ratio must be in [0:1), got %v",
			h.DiskCheck.RequiredRemaining)
	}

	return nil
}

// CheckConfig holds the settings shared by every health check.
//
//nolint:lll
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run a health check."`

	Attempts int `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`

	Timeout time.Duration `long:"timeout" description:"The amount of time we allow the health check to take before failing due to timeout."`

	Backoff time.Duration `long:"backoff" description:"The amount of time to back-off between failed health checks."`
}

// Enabled returns whether the check is run at all.
func (c *CheckConfig) Enabled() bool {
	return c.Attempts > 0
}

// validate checks the values of a health check. A disabled check is not
// validated any further.
func (c *CheckConfig) validate(name string) error {
	switch {
	case c.Attempts < 0:
		return fmt.Errorf("%v attempts must not be negative, got %d",
			name, c.Attempts)

	case !c.Enabled():
		return nil

	case c.Backoff < MinHealthCheckBackoff:
		return fmt.Errorf("%v backoff: %v below minimum: %v", name,
			c.Backoff, MinHealthCheckBackoff)

	case c.Timeout < MinHealthCheckTimeout:
		return fmt.Errorf("%v timeout: %v below minimum: %v", name,
			c.Timeout, MinHealthCheckTimeout)

	case c.Interval < MinHealthCheckInterval:
		return fmt.Errorf("%v interval: %v below minimum: %v", name,
			c.Interval, MinHealthCheckInterval)
	}

	return nil
}

// DiskCheck holds the settings of the check on the free space of the volume
// holding the finalized header database.
//
//nolint:lll
type DiskCheck struct {
	RequiredRemaining float64 `long:"diskrequired" description:"The minimum ratio of free disk space to total capacity that we allow before shutting down."`

	*CheckConfig
}

// Compile-time constraint to ensure HealthCheck implements the Validator
// interface.
var _ Validator = (*HealthCheck)(nil)
