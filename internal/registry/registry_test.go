package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeltimacreation/simplequeue/internal/domain"
	"github.com/oeltimacreation/simplequeue/internal/registry"
)

func noopHandler(result map[string]any) registry.Handler {
	return registry.HandlerFunc(func(context.Context, int64, map[string]any, registry.ProgressFunc) (map[string]any, error) {
		return result, nil
	})
}

func TestRegisterRejectsBadInput(t *testing.T) {
	reg := registry.New(nil)

	err := reg.Register("", func() registry.Handler { return noopHandler(nil) })
	require.Error(t, err)

	err = reg.Register("email.send", nil)
	require.Error(t, err)
}

func TestResolveConstructsFreshInstance(t *testing.T) {
	reg := registry.New(nil)
	calls := 0
	require.NoError(t, reg.Register("email.send", func() registry.Handler {
		calls++
		return noopHandler(map[string]any{"n": calls})
	}))

	h, err := reg.Resolve("email.send")
	require.NoError(t, err)
	require.NotNil(t, h)
	_, err = reg.Resolve("email.send")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestResolveUnknownType(t *testing.T) {
	reg := registry.New(nil)

	h, err := reg.Resolve("ghost.type")
	require.Error(t, err)
	assert.Nil(t, h)

	var notRegistered *domain.HandlerNotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, "No handler registered for job type: ghost.type", err.Error())
}

type fakeLocator struct {
	instances map[string]any
}

func (l *fakeLocator) Has(jobType string) bool {
	_, ok := l.instances[jobType]
	return ok
}

func (l *fakeLocator) Get(jobType string) (any, error) {
	return l.instances[jobType], nil
}

func TestLocatorTakesPrecedence(t *testing.T) {
	shared := noopHandler(map[string]any{"from": "locator"})
	reg := registry.New(&fakeLocator{instances: map[string]any{"email.send": shared}})
	require.NoError(t, reg.Register("email.send", func() registry.Handler {
		t.Fatal("factory must not run when the locator has a conforming instance")
		return nil
	}))

	h, err := reg.Resolve("email.send")
	require.NoError(t, err)

	out, err := h.Handle(context.Background(), 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "locator"}, out)
}

func TestLocatorNonConformingFallsBack(t *testing.T) {
	reg := registry.New(&fakeLocator{instances: map[string]any{"email.send": "not a handler"}})
	require.NoError(t, reg.Register("email.send", func() registry.Handler {
		return noopHandler(map[string]any{"from": "factory"})
	}))

	h, err := reg.Resolve("email.send")
	require.NoError(t, err)

	out, err := h.Handle(context.Background(), 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "factory"}, out)
}

func TestLocatorNonConformingWithoutFactory(t *testing.T) {
	reg := registry.New(&fakeLocator{instances: map[string]any{"email.send": 42}})

	_, err := reg.Resolve("email.send")
	var notRegistered *domain.HandlerNotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
}

func TestTypes(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register("a", func() registry.Handler { return noopHandler(nil) }))
	require.NoError(t, reg.Register("b", func() registry.Handler { return noopHandler(nil) }))

	assert.ElementsMatch(t, []string{"a", "b"}, reg.Types())
}
