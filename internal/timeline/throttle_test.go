// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package timeline

import (
	"context"
	"testing"

	"github.com/swaingotnochill/pageserver/internal/config"
)

func TestGetThrottleDisabledByDefault(t *testing.T) {
	g := newGetThrottle()
	if err := g.wait(context.Background(), config.Default()); err != nil {
		t.Fatalf("expected a disabled throttle (rps=0) to never block, got %v", err)
	}
}

func TestGetThrottleRespectsCancellation(t *testing.T) {
	g := newGetThrottle()
	conf := config.Default()
	conf.TimelineGetThrottleRps = 0.001 // effectively unattainable within the test's deadline
	conf.TimelineGetThrottleBurst = 1

	// The first call consumes the single burst token immediately...
	if err := g.wait(context.Background(), conf); err != nil {
		t.Fatalf("expected the first call to pass on the burst token: %v", err)
	}

	// ...so the second call has to wait on a near-zero refill rate, and
	// must respect ctx cancellation rather than blocking forever.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.wait(ctx, conf); err == nil {
		t.Fatalf("expected wait to return promptly once ctx is already cancelled")
	}
}

func TestGetThrottleRebuildsLimiterOnConfigChange(t *testing.T) {
	g := newGetThrottle()
	conf := config.Default()
	conf.TimelineGetThrottleRps = 1000
	conf.TimelineGetThrottleBurst = 1

	if err := g.wait(context.Background(), conf); err != nil {
		t.Fatalf("wait: %v", err)
	}
	first := g.limiter

	conf.TimelineGetThrottleRps = 2000
	if err := g.wait(context.Background(), conf); err != nil {
		t.Fatalf("wait after config change: %v", err)
	}
	if g.limiter == first {
		t.Fatalf("expected a changed rps to rebuild the underlying limiter")
	}
}
