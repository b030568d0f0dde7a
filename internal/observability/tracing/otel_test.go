package tracing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WithoutEndpointOnlyPropagates(t *testing.T) {
	cfg := DefaultConfig("adherence-api")
	cfg.OTLPEndpoint = ""

	p, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{2.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Sampler(tt.rate).Description()
		assert.True(t, strings.Contains(desc, "root:"+tt.want), "rate %v: %s", tt.rate, desc)
	}
}
