// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// breakerServer guards a ModelServer behind a circuit breaker so a
// failing backend sheds load instead of queuing up doomed calls.
// Client-side errors (validation, not-found, cancelled contexts) do
// not count against the circuit.
type breakerServer struct {
	inner ModelServer
	cb    *gobreaker.CircuitBreaker
}

func newBreakerServer(inner ModelServer, logger *slog.Logger, maxFailures int, timeout time.Duration) *breakerServer {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "model-server",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var verr *maestroerrors.ValidationError
			return maestroerrors.IsNotFound(err) || errors.As(err, &verr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("model server circuit state changed",
				"circuit", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return &breakerServer{inner: inner, cb: cb}
}

func (b *breakerServer) DeployModel(ctx context.Context, id string, model Model, meta ModelMeta) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.DeployModel(ctx, id, model, meta)
	})
	return err
}

func (b *breakerServer) UndeployModel(ctx context.Context, id string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.UndeployModel(ctx, id)
	})
	return err
}

func (b *breakerServer) Predict(ctx context.Context, id string, input []float64) ([]float64, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Predict(ctx, id, input)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float64), nil
}

func (b *breakerServer) StartABTest(ctx context.Context, testID, variantA, variantB string, ratio float64, opts ABTestOptions) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.StartABTest(ctx, testID, variantA, variantB, ratio, opts)
	})
	return err
}

func (b *breakerServer) StopABTest(ctx context.Context, testID string) (*ABTestResult, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.StopABTest(ctx, testID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*ABTestResult), nil
}

func (b *breakerServer) GetHealth(ctx context.Context) (*ServerHealth, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetHealth(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.(*ServerHealth), nil
}
