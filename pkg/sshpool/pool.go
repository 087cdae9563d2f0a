// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package sshpool keeps warm SSH connections to the monitored hosts. The
// handshake costs 500ms-2s per host; reusing sessions across poll cycles
// turns a fleet-wide sweep from minutes into seconds.
package sshpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/optilab/collector/pkg/util/log"
)

const (
	defaultMaxConnections = 100
	defaultIdleTimeout    = 300 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Options configures a Pool.
type Options struct {
	User           string
	Port           int
	PrivateKeyPath string
	MaxConnections int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

type dialFunc func(addr string) (Conn, error)

type entry struct {
	conn     Conn
	lastUsed time.Time
}

// Pool maintains warm SSH connections keyed by "ip:port@user". All map
// mutation happens under a single mutex; dialing happens under it too,
// which serializes connection setup but keeps eviction races out.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*entry
	opts    Options
	dial    dialFunc
	nowFunc func() time.Time
}

// New returns a pool using real SSH dialing with publickey auth.
func New(opts Options) *Pool {
	p := newPool(opts)
	p.dial = func(addr string) (Conn, error) {
		config, err := p.clientConfig()
		if err != nil {
			return nil, err
		}
		client, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			return nil, err
		}
		return &sshConn{client: client}, nil
	}
	return p
}

func newPool(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Port <= 0 {
		opts.Port = 22
	}
	log.Infof("SSH connection pool initialized (max: %d, idle timeout: %s)",
		opts.MaxConnections, opts.IdleTimeout)
	return &Pool{
		conns:   make(map[string]*entry),
		opts:    opts,
		nowFunc: time.Now,
	}
}

func (p *Pool) key(ip string) string {
	return fmt.Sprintf("%s:%d@%s", ip, p.opts.Port, p.opts.User)
}

func (p *Pool) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(p.opts.PrivateKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	return &ssh.ClientConfig{
		User:            p.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // lab hosts reimage constantly
		Timeout:         p.opts.ConnectTimeout,
	}, nil
}

// Acquire returns a live connection to ip, reusing a pooled one when its
// transport still answers. A stale entry is evicted and redialed once.
// Connect failures are returned to the caller; the pool keeps no memory of
// them, failure accounting belongs to the scheduler.
func (p *Pool) Acquire(ctx context.Context, ip string) (Conn, error) {
	key := p.key(ip)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.conns[key]; ok {
		if e.conn.Alive() {
			e.lastUsed = p.nowFunc()
			log.Debugf("Reusing SSH connection to %s", ip)
			return e.conn, nil
		}
		log.Warnf("Stale SSH connection to %s, reconnecting", ip) //nolint:errcheck
		e.conn.Close()
		delete(p.conns, key)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(p.conns) >= p.opts.MaxConnections {
		p.evictOldestLocked()
	}

	conn, err := p.dial(fmt.Sprintf("%s:%d", ip, p.opts.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", ip)
	}

	p.conns[key] = &entry{conn: conn, lastUsed: p.nowFunc()}
	log.Infof("Created new SSH connection to %s (pool size: %d)", ip, len(p.conns))
	return conn, nil
}

// evictOldestLocked drops the least recently used connection to make room.
func (p *Pool) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range p.conns {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	if oldestKey != "" {
		p.conns[oldestKey].conn.Close()
		delete(p.conns, oldestKey)
		log.Debugf("Evicted %s to stay under the connection cap", oldestKey)
	}
}

// CleanupIdle closes connections unused for longer than the idle TTL.
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	var removed int
	for key, e := range p.conns {
		if now.Sub(e.lastUsed) > p.opts.IdleTimeout {
			e.conn.Close()
			delete(p.conns, key)
			removed++
			log.Infof("Closed idle connection: %s", key)
		}
	}
	if removed > 0 {
		log.Infof("Cleaned up %d idle connections (pool size: %d)", removed, len(p.conns))
	}
}

// CloseAll closes every pooled connection and empties the pool.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs *multierror.Error
	for key, e := range p.conns {
		if err := e.conn.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "closing %s", key))
		}
	}
	closed := len(p.conns)
	p.conns = make(map[string]*entry)
	log.Infof("Closed all %d SSH connections", closed)
	return errs.ErrorOrNil()
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Active      int
	Max         int
	Utilization float64 // percentage
}

// Statistics returns current pool usage.
func (p *Pool) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:      len(p.conns),
		Max:         p.opts.MaxConnections,
		Utilization: float64(len(p.conns)) / float64(p.opts.MaxConnections) * 100,
	}
}
