// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sshpool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecBatchSplitsByMarkers(t *testing.T) {
	conn := &fakeConn{
		alive: true,
		output: `===START_cpu===
42.5
===END_cpu===
===START_ram===
63.1
===END_ram===
`,
	}

	out, err := ExecBatch(context.Background(), conn, []Command{
		{Tag: "cpu", Cmd: "get-cpu"},
		{Tag: "ram", Cmd: "get-ram"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42.5", out["cpu"])
	assert.Equal(t, "63.1", out["ram"])
}

func TestExecBatchMissingMarkers(t *testing.T) {
	conn := &fakeConn{
		alive: true,
		output: `===START_cpu===
42.5
===END_cpu===
`,
	}

	out, err := ExecBatch(context.Background(), conn, []Command{
		{Tag: "cpu", Cmd: "get-cpu"},
		{Tag: "disk", Cmd: "get-disk"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42.5", out["cpu"])
	assert.Equal(t, "", out["disk"])
}

func TestExecBatchTransportError(t *testing.T) {
	conn := &fakeConn{alive: true, outErr: fmt.Errorf("broken pipe")}

	out, err := ExecBatch(context.Background(), conn, []Command{
		{Tag: "cpu", Cmd: "get-cpu"},
		{Tag: "ram", Cmd: "get-ram"},
	})
	require.Error(t, err)
	// Every tag is still present, mapped to empty output.
	assert.Equal(t, map[string]string{"cpu": "", "ram": ""}, out)
}

func TestExecBatchMultilineOutput(t *testing.T) {
	conn := &fakeConn{
		alive: true,
		output: "===START_procs===\nroot 1 init\nmonitor 1201 sshd\n===END_procs===\n",
	}

	out, err := ExecBatch(context.Background(), conn, []Command{{Tag: "procs", Cmd: "ps"}})
	require.NoError(t, err)
	assert.Equal(t, "root 1 init\nmonitor 1201 sshd", out["procs"])
}
