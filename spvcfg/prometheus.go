package spvcfg

import (
	"fmt"
	"net"
)

// DefaultPrometheusListen is the default address of the metrics endpoint.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus configures the Prometheus exporter.
type Prometheus struct {
	// Enable indicates whether to export metrics.
	Enable bool `long:"enable" description:"Enable Prometheus exporter"`

	// Listen is the listening address that we should use to allow the main
	// Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate checks the listen address when the exporter is enabled.
//
// NOTE: Part of the Validator interface.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus listen address %q: %w",
			p.Listen, err)
	}

	return nil
}

// Compile-time constraint to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)
