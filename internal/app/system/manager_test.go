package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	name     string
	log      *[]string
	startErr error
}

func (p probe) Name() string { return p.name }

func (p probe) Start(context.Context) error {
	if p.startErr != nil {
		return p.startErr
	}
	*p.log = append(*p.log, "start "+p.name)
	return nil
}

func (p probe) Stop(context.Context) error {
	*p.log = append(*p.log, "stop "+p.name)
	return nil
}

func TestManagerOrdersLifecycle(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(probe{name: "registry", log: &log}))
	require.NoError(t, m.Register(probe{name: "sweeper", log: &log}))
	assert.Error(t, m.Register(probe{name: "sweeper", log: &log}))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"start registry", "start sweeper", "stop sweeper", "stop registry"}, log)
}

func TestManagerUnwindsOnStartFailure(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	m := NewManager()
	require.NoError(t, m.Register(probe{name: "a", log: &log}))
	require.NoError(t, m.Register(probe{name: "b", log: &log, startErr: boom}))
	require.NoError(t, m.Register(probe{name: "c", log: &log}))

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "stop a"}, log)
}
