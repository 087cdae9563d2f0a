// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package discovery

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// PingFunc reports whether a host answered an ICMP echo within the timeout.
type PingFunc func(ctx context.Context, ip string, timeout time.Duration) bool

// icmpPing sends a single echo request. It tries a raw ICMP socket first and
// falls back to unprivileged UDP pings when the process lacks CAP_NET_RAW.
func icmpPing(ctx context.Context, ip string, timeout time.Duration) bool {
	for _, privileged := range []bool{true, false} {
		pinger, err := probing.NewPinger(ip)
		if err != nil {
			return false
		}
		pinger.Count = 1
		pinger.Timeout = timeout
		pinger.SetPrivileged(privileged)

		if err := pinger.RunWithContext(ctx); err != nil {
			continue
		}
		return pinger.Statistics().PacketsRecv > 0
	}
	return false
}
