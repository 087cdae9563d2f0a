// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sshpool

import (
	"context"
	"fmt"
	"strings"

	"github.com/optilab/collector/pkg/util/log"
)

// Command is one tagged command of a batch.
type Command struct {
	Tag string
	Cmd string
}

// ExecBatch runs several commands in one remote shell invocation and splits
// the combined stdout back out by sentinel markers. One round-trip instead
// of N; the handshake already happened when the connection was pooled.
//
// A command whose markers are missing from the output maps to an empty
// string. A transport failure returns the error and a map of empty strings
// so callers can still iterate their tags.
func ExecBatch(ctx context.Context, conn Conn, commands []Command) (map[string]string, error) {
	script := make([]string, 0, len(commands)*3)
	for _, c := range commands {
		script = append(script,
			fmt.Sprintf(`echo "===START_%s==="`, c.Tag),
			c.Cmd,
			fmt.Sprintf(`echo "===END_%s==="`, c.Tag),
		)
	}

	results := make(map[string]string, len(commands))
	for _, c := range commands {
		results[c.Tag] = ""
	}

	out, err := conn.Output(ctx, strings.Join(script, "; "))
	if err != nil {
		log.Errorf("Batch execution failed: %v", err)
		return results, err
	}

	output := string(out)
	for _, c := range commands {
		results[c.Tag] = between(output,
			fmt.Sprintf("===START_%s===", c.Tag),
			fmt.Sprintf("===END_%s===", c.Tag))
	}
	return results, nil
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:j])
}
