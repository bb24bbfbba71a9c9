// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// MinThroughput is the slowest transfer rate, in bytes per second, a
// connection may sustain before its deadline catches up with it
const MinThroughput = 4000

// Listener hands out connections whose read and write deadlines stretch with
// the bytes already moved, so a long streamed download is not cut off by a
// fixed timeout while a stalled client still is.
type Listener struct {
	net.Listener
	Timeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if l.Timeout <= 0 {
		return c, nil
	}
	return &Conn{Conn: c, timeout: l.Timeout}, nil
}

// Conn applies a scaled deadline before every read and write
type Conn struct {
	net.Conn
	timeout time.Duration
	read    int64
	written int64
}

// deadline allows one timeout period for every timeout*MinThroughput bytes
// already transferred, plus one
func deadline(timeout time.Duration, transferred int64) time.Duration {
	per := max(int64(timeout.Seconds()*MinThroughput), 1)
	return timeout * time.Duration(transferred/per+1)
}

func (c *Conn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(deadline(c.timeout, c.read))); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(b)
	c.read += int64(n)
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(deadline(c.timeout, c.written))); err != nil {
		return 0, err
	}
	n, err := c.Conn.Write(b)
	c.written += int64(n)
	return n, err
}

// NewListener listens on addr. A zero timeout disables the deadlines.
func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, Timeout: timeout}, nil
}

func JoinHostPort(host string, port int) string {
	p := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + p
	}
	return net.JoinHostPort(host, p)
}
