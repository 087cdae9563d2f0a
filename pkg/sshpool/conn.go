// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sshpool

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Conn is an authenticated remote shell connection. The pool hands these
// out; probes run commands and move files through them without knowing
// about the underlying transport.
type Conn interface {
	// Output runs a command and returns its stdout. The context bounds the
	// whole execution; on cancellation the remote session is torn down.
	Output(ctx context.Context, cmd string) ([]byte, error)
	// Upload copies a local file to a remote path. The context bounds the
	// whole transfer, sftp session setup included.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Remove deletes a remote file, bounded by the context.
	Remove(ctx context.Context, remotePath string) error
	// Alive reports whether the underlying transport still answers.
	Alive() bool
	// Close tears the connection down.
	Close() error
}

// sshConn implements Conn on top of x/crypto/ssh plus sftp for file moves.
type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Output(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "opening session")
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks the remote command.
		session.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}

func (c *sshConn) Upload(ctx context.Context, localPath, remotePath string) error {
	return c.bounded(ctx, func() error {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			return errors.Wrap(err, "opening sftp session")
		}
		defer client.Close()

		src, err := os.Open(localPath)
		if err != nil {
			return errors.Wrapf(err, "opening %s", localPath)
		}
		defer src.Close()

		dst, err := client.Create(remotePath)
		if err != nil {
			return errors.Wrapf(err, "creating %s", remotePath)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return errors.Wrapf(err, "writing %s", remotePath)
		}
		return nil
	})
}

func (c *sshConn) Remove(ctx context.Context, remotePath string) error {
	return c.bounded(ctx, func() error {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			return errors.Wrap(err, "opening sftp session")
		}
		defer client.Close()
		return client.Remove(remotePath)
	})
}

// bounded runs fn in a goroutine so a wedged transport cannot hold the
// caller past its deadline. An abandoned fn unblocks once the connection
// itself closes; the pool evicts dead connections on next acquire.
func (c *sshConn) bounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *sshConn) Alive() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
