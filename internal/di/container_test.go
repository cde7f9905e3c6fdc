package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{ name string }

func TestRegisterAndResolve(t *testing.T) {
	c := NewContainer()
	c.Register("widget", &widget{name: "a"})

	w, err := Resolve[*widget](c, "widget")
	require.NoError(t, err)
	assert.Equal(t, "a", w.name)
	assert.True(t, c.Has("widget"))
}

func TestResolveMissingAndWrongType(t *testing.T) {
	c := NewContainer()
	_, err := Resolve[*widget](c, "widget")
	assert.ErrorContains(t, err, "not registered")

	c.Register("widget", "not a widget")
	_, err = Resolve[*widget](c, "widget")
	assert.ErrorContains(t, err, "string")

	assert.Panics(t, func() { MustResolve[*widget](c, "widget") })
}

func TestGetNamesSorted(t *testing.T) {
	c := NewContainer()
	c.Register(Tasks, 1)
	c.Register(Hub, 2)
	c.Register(Orchestrator, 3)

	assert.Equal(t, []string{Hub, Orchestrator, Tasks}, c.GetNames())
}
