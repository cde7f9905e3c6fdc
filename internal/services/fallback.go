package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/Corphon/StoryLoom/internal/utils"
)

// ErrAllStrategiesFailed is returned by AttemptChain when no strategy succeeds.
var ErrAllStrategiesFailed = errors.New("all strategies failed")

// Strategy is one step of an ordered fallback chain.
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// AttemptChain runs strategies in order and returns the first success along
// with the name of the strategy that produced it. Each failure is logged and
// the next strategy is tried; a cancelled context stops the chain.
func AttemptChain[T any](ctx context.Context, chain []Strategy[T]) (T, string, error) {
	var zero T
	if len(chain) == 0 {
		return zero, "", ErrAllStrategiesFailed
	}
	var errs []error

	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		result, err := s.Run(ctx)
		if err == nil {
			return result, s.Name, nil
		}

		utils.GetLogger().Warn("fallback strategy failed", map[string]interface{}{
			"strategy": s.Name,
			"error":    err,
		})
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}

	return zero, "", fmt.Errorf("%w: %w", ErrAllStrategiesFailed, errors.Join(errs...))
}
