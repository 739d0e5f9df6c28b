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
	"sync"

	"golang.org/x/time/rate"

	"github.com/swaingotnochill/pageserver/internal/config"
)

// getThrottle rate-limits Timeline.Get/GetVectored per the
// timeline_get_throttle_rps/_burst config options (§6). The limiter is
// rebuilt whenever the live config changes rps/burst, so an operator's
// config update takes effect on the next read without restarting the
// timeline.
type getThrottle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rps     float64
	burst   int
}

func newGetThrottle() *getThrottle {
	return &getThrottle{}
}

func (g *getThrottle) wait(ctx context.Context, conf config.TenantConf) error {
	if conf.TimelineGetThrottleRps <= 0 {
		return nil
	}
	g.mu.Lock()
	if g.limiter == nil || g.rps != conf.TimelineGetThrottleRps || g.burst != conf.TimelineGetThrottleBurst {
		burst := conf.TimelineGetThrottleBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(conf.TimelineGetThrottleRps), burst)
		g.rps = conf.TimelineGetThrottleRps
		g.burst = conf.TimelineGetThrottleBurst
	}
	limiter := g.limiter
	g.mu.Unlock()

	return limiter.Wait(ctx)
}
