// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/optilab/collector/pkg/util/log"
)

// Heartbeat pings every active host and flags the unreachable ones offline.
// Offline hosts rejoin the fleet when a later scan verifies them or a
// metric sample lands for them; the heartbeat only ever demotes.
func (s *Scanner) Heartbeat(ctx context.Context) (checked, offline int, err error) {
	hosts, err := s.store.ActiveHosts(ctx)
	if err != nil {
		return 0, 0, err
	}
	log.Infof("Heartbeat: checking %d active hosts", len(hosts))

	down := make([]bool, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers * 4)
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			down[i] = !s.ping(gctx, host.IPAddress, s.opts.PingTimeout)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	if ctx.Err() != nil {
		return len(hosts), 0, ctx.Err()
	}

	for i, host := range hosts {
		if !down[i] {
			continue
		}
		if err := s.store.MarkHostOffline(ctx, host.ID); err != nil {
			log.Errorf("Could not mark %s offline: %v", host.IPAddress, err)
			continue
		}
		log.Infof("Host %s (system %d) unreachable, marked offline", host.IPAddress, host.ID)
		offline++
	}

	log.Infof("Heartbeat complete: %d checked, %d offline", len(hosts), offline)
	return len(hosts), offline, nil
}
