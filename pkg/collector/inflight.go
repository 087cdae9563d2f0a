// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"sync"

	"github.com/optilab/collector/pkg/persist"
)

// inflightSet tracks hosts with a poll in progress.
type inflightSet struct {
	mu  sync.Mutex
	ids map[persist.HostID]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[persist.HostID]struct{})}
}

// claim reserves the host, returning false when it is already being polled.
func (s *inflightSet) claim(id persist.HostID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.ids[id]; busy {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id persist.HostID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *inflightSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
