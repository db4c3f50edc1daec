package toolregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/taskcore/core"
)

func newLoadedExecutor(t *testing.T) (*ServerExecutor, *InstanceRegistry) {
	t.Helper()
	reg := New(core.NoOpLogger{})
	require.NoError(t, reg.LoadBytes([]byte(sampleDoc)))
	ir := NewInstanceRegistry()
	return NewServerExecutor(reg, ir, core.NoOpLogger{}), ir
}

func TestServerExecutorNotInRegistry(t *testing.T) {
	exec, _ := newLoadedExecutor(t)
	out, err := exec.Execute(context.Background(), "does_not_exist", nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, core.ErrNotInRegistry.Error(), out.Error)
}

func TestServerExecutorNotImplemented(t *testing.T) {
	exec, _ := newLoadedExecutor(t)
	out, err := exec.Execute(context.Background(), "web_search", nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, core.ErrNotImplemented.Error(), out.Error)
}

func TestServerExecutorInvokesInstance(t *testing.T) {
	exec, ir := newLoadedExecutor(t)
	ir.Register("web_search", func(ctx context.Context, in map[string]interface{}) (ToolOutput, error) {
		return ToolOutput{Success: true, Data: map[string]interface{}{"hits": 3}}, nil
	})
	ir.Freeze()

	out, err := exec.Execute(context.Background(), "web_search", map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Data["hits"])
}

func TestServerExecutorWrapsInstanceError(t *testing.T) {
	exec, ir := newLoadedExecutor(t)
	ir.Register("web_search", func(ctx context.Context, in map[string]interface{}) (ToolOutput, error) {
		return ToolOutput{}, errors.New("upstream exploded")
	})
	ir.Freeze()

	out, err := exec.Execute(context.Background(), "web_search", nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "upstream exploded", out.Error)
}

func TestServerExecutorRecoversPanic(t *testing.T) {
	exec, ir := newLoadedExecutor(t)
	ir.Register("web_search", func(ctx context.Context, in map[string]interface{}) (ToolOutput, error) {
		panic("kaboom")
	})
	ir.Freeze()

	out, err := exec.Execute(context.Background(), "web_search", nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "kaboom")
}
