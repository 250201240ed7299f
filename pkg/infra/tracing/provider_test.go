package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"disabled tracing is valid", func(o *Options) { o.ExporterType = "bogus" }, false},
		{"stdout without endpoint", func(o *Options) { o.Enabled = true; o.ExporterType = ExporterStdout; o.Endpoint = "" }, false},
		{"missing endpoint for OTLP exporter", func(o *Options) { o.Enabled = true; o.Endpoint = "" }, true},
		{"invalid exporter type", func(o *Options) { o.Enabled = true; o.ExporterType = "invalid" }, true},
		{"invalid sampler type", func(o *Options) { o.Enabled = true; o.SamplerType = "invalid" }, true},
		{"ratio out of range", func(o *Options) { o.Enabled = true; o.SamplerRatio = 1.5 }, true},
		{"zero batch timeout", func(o *Options) { o.Enabled = true; o.BatchTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.mutate(o)
			errs := o.Validate()
			if tt.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestOptionsFlags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--tracing.enabled", "--tracing.exporter-type=noop", "--tracing.batch-timeout=1s"}))

	assert.True(t, o.Enabled)
	assert.Equal(t, ExporterNoop, o.ExporterType)
	assert.Equal(t, time.Second, o.BatchTimeout)
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), NewOptions())
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer("test"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Noop(t *testing.T) {
	o := NewOptions()
	o.Enabled = true
	o.ServiceName = "studymate-test"
	o.ExporterType = ExporterNoop
	o.SamplerType = SamplerAlwaysOn

	p, err := NewProvider(context.Background(), o)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, span := Start(context.Background(), "unit", attribute.String("k", "v"))
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	End(span, errors.New("boom"))
}

func TestNewProvider_InvalidOptions(t *testing.T) {
	o := NewOptions()
	o.Enabled = true
	o.ExporterType = "bogus"
	_, err := NewProvider(context.Background(), o)
	assert.Error(t, err)
}
