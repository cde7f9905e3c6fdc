package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptChainFirstSuccessWins(t *testing.T) {
	var ran []string
	step := func(name string, err error) Strategy[string] {
		return Strategy[string]{Name: name, Run: func(ctx context.Context) (string, error) {
			ran = append(ran, name)
			if err != nil {
				return "", err
			}
			return name + "-result", nil
		}}
	}

	result, name, err := AttemptChain(context.Background(), []Strategy[string]{
		step("a", errBoom),
		step("b", nil),
		step("c", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, "b-result", result)
	assert.Equal(t, "b", name)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestAttemptChainAllFail(t *testing.T) {
	fail := Strategy[int]{Name: "x", Run: func(ctx context.Context) (int, error) { return 0, errBoom }}

	_, _, err := AttemptChain(context.Background(), []Strategy[int]{fail, fail})
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)
	assert.ErrorIs(t, err, errBoom)

	_, _, err = AttemptChain[int](context.Background(), nil)
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)
}

func TestAttemptChainStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, _, err := AttemptChain(ctx, []Strategy[int]{{Name: "x", Run: func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	}}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
