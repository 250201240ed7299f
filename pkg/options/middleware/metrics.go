package middleware

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

// MetricsOptions defines metrics options.
type MetricsOptions struct {
	Path      string `json:"path" mapstructure:"path"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
	Subsystem string `json:"subsystem" mapstructure:"subsystem"`
}

func NewMetricsOptions() *MetricsOptions {
	return &MetricsOptions{
		Path:      "/metrics",
		Namespace: "studymate",
	}
}

func (o *MetricsOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "middleware.metrics."
	fs.StringVar(&o.Path, p+"path", o.Path, "Metrics endpoint path")
	fs.StringVar(&o.Namespace, p+"namespace", o.Namespace, "Metrics namespace")
	fs.StringVar(&o.Subsystem, p+"subsystem", o.Subsystem, "Metrics subsystem")
}

func (o *MetricsOptions) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.Path == "" {
		errs = append(errs, errors.New("metrics path is required"))
	}
	if o.Namespace == "" {
		errs = append(errs, errors.New("metrics namespace is required"))
	}
	return errs
}
