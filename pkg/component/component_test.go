package component

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	name string
	err  error
}

func (f fakeClient) Name() string               { return f.name }
func (f fakeClient) Ping(context.Context) error { return f.err }

func TestCheckHealth(t *testing.T) {
	statuses := CheckHealth(context.Background(),
		fakeClient{name: "ok"},
		nil,
		fakeClient{name: "down", err: errors.New("refused")},
	)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "refused", statuses[1].Error)
}
