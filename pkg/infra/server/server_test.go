package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeServer) Name() string { return f.name }

func (f *fakeServer) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start:"+f.name)
	return nil
}

func (f *fakeServer) Stop(context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return nil
}

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	m := NewManager(0)
	m.AddServer(&fakeServer{name: "a", log: &log})
	m.AddServer(&fakeServer{name: "b", log: &log})
	m.OnShutdown(func(context.Context) error {
		log = append(log, "hook")
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "double start")
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a", "hook"}, log)
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewManager(0)
	m.AddServer(&fakeServer{name: "a", log: &log})
	m.AddServer(&fakeServer{name: "b", log: &log, startErr: errors.New("bind")})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}

func TestManager_RunStopsOnContextCancel(t *testing.T) {
	var log []string
	m := NewManager(0)
	m.AddServer(&fakeServer{name: "a", log: &log})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}
