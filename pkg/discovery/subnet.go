// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package discovery

import (
	"net/netip"

	"github.com/pkg/errors"
)

// EnumerateHosts expands a CIDR into its usable host addresses. For IPv4
// prefixes shorter than /31 the network and broadcast addresses are skipped;
// /31 and /32 are returned as-is.
func EnumerateHosts(cidr string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing subnet %q", cidr)
	}
	prefix = prefix.Masked()

	var hosts []string
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
	}

	if prefix.Addr().Is4() && prefix.Bits() < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}
