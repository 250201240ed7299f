package middleware

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

// HealthOptions defines health check options.
type HealthOptions struct {
	Path          string `json:"path" mapstructure:"path"`
	ReadinessPath string `json:"readiness-path" mapstructure:"readiness-path"`
}

func NewHealthOptions() *HealthOptions {
	return &HealthOptions{
		Path:          "/healthz",
		ReadinessPath: "/readyz",
	}
}

func (o *HealthOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.health."
	fs.StringVar(&o.Path, p+"path", o.Path, "Liveness endpoint path")
	fs.StringVar(&o.ReadinessPath, p+"readiness-path", o.ReadinessPath, "Readiness probe path")
}

func (o *HealthOptions) Validate() []error {
	if o == nil {
		return nil
	}
	if o.Path == "" {
		return []error{errors.New("health check path is required")}
	}
	return nil
}
