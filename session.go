/*
 * Copyright (c) 2013 author: LiTao
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions
 * are met:
 * 1. Redistributions of source code must retain the above copyright
 *    notice, this list of conditions and the following disclaimer.
 * 2. Redistributions in binary form must reproduce the above copyright
 *    notice, this list of conditions and the following disclaimer in the
 *    documentation and/or other materials provided with the distribution.
 * 3. All advertising materials mentioning features or use of this software
 *    must display the following acknowledgement:
 *	This product includes software developed by the University of
 *	California, Berkeley and its contributors.
 * 4. Neither the name of the University nor the names of its contributors
 *    may be used to endorse or promote products derived from this software
 *    without specific prior written permission.
 *
 * THIS SOFTWARE IS PROVIDED BY THE REGENTS AND CONTRIBUTORS ``AS IS'' AND
 * ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED.  IN NO EVENT SHALL THE REGENTS OR CONTRIBUTORS BE LIABLE
 * FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
 * DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS
 * OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
 * HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT
 * LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY
 * OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF
 * SUCH DAMAGE.
 */

package gotftp

import (
	"net"
	"time"

	"github.com/rs/xid"
)

// State is one node of the session state machine.
type State int

const (
	StateStart State = iota
	StateSentRRQ
	StateSentWRQ
	StateReceivedRRQ
	StateReceivedWRQ
	StateExpectData
	StateExpectAck
	StateFinished
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateSentRRQ:
		return "SentRRQ"
	case StateSentWRQ:
		return "SentWRQ"
	case StateReceivedRRQ:
		return "ReceivedRRQ"
	case StateReceivedWRQ:
		return "ReceivedWRQ"
	case StateExpectData:
		return "ExpectData"
	case StateExpectAck:
		return "ExpectAck"
	case StateFinished:
		return "Finished"
	case StateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// TransferDirection records whether this session writes incoming file
// data into a Sink (download) or reads outgoing file data from a
// Source (upload). It is orthogonal to which side opened the
// connection (Originator).
type TransferDirection int

const (
	DirectionDownload TransferDirection = iota
	DirectionUpload
)

// Originator records which side of the session sent the initial
// RRQ/WRQ, which governs how Start is entered and which filesystem
// error codes apply on open failure.
type Originator int

const (
	OriginatorClient Originator = iota
	OriginatorServer
)

// PacketDirection distinguishes the two PacketHook call sites.
type PacketDirection int

const (
	Outbound PacketDirection = iota
	Inbound
)

// PacketHook is invoked after encode of each outbound packet and
// after decode of each valid inbound packet. A panicking hook must
// not disturb the session; callers of the hook recover it.
type PacketHook func(p Packet, dir PacketDirection)

// Metrics accumulates the throughput and packet-count facts a session
// reports back to its caller.
type Metrics struct {
	BytesTransferred int64
	PacketsSent      int
	PacketsReceived  int
	Retransmits      int
	StartedAt        time.Time
	EndedAt          time.Time
}

// Duration is the wall-clock span of the transfer. It is zero until
// the session has reached a terminal state.
func (m Metrics) Duration() time.Duration {
	if m.EndedAt.IsZero() {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

// Throughput is bytes transferred per second over Duration. It is
// zero for a transfer that completed in under a millisecond or hasn't
// ended, to avoid dividing by an unstable near-zero duration.
func (m Metrics) Throughput() float64 {
	d := m.Duration()
	if d < time.Millisecond {
		return 0
	}
	return float64(m.BytesTransferred) / d.Seconds()
}

// Context is the mutable per-session data the state machine reads and
// updates. One Context drives exactly one transfer to completion; it
// is never shared across goroutines.
type Context struct {
	ID xid.ID

	Endpoint  Endpoint
	Peer      net.Addr
	tidFrozen bool

	Originator Originator
	Direction  TransferDirection

	Source Source
	Sink   Sink

	Filename string
	Mode     string

	RequestedOptions  []Option
	NegotiatedOptions NegotiatedOptions
	Blksize           int

	LastBlockSent  uint16
	LastBlockAcked uint16
	lastPayloadLen int

	LastOutboundPacket []byte

	Timeout     time.Duration
	MaxRetries  int
	RetriesLeft int

	State State
	Err   *TftpError

	Metrics Metrics

	Logger Logger
	Hook   PacketHook

	cancel <-chan struct{}

	// fileSize, when set, reports the size of the file being served
	// on an RRQ, for a tsize=0 "please tell me" request.
	fileSize func() (int64, bool)

	// nowFn overrides time.Now for Metrics timestamps in tests; nil
	// means time.Now.
	nowFn func() time.Time
}

func newContext(endpoint Endpoint, peer net.Addr, cfg Config) *Context {
	return &Context{
		ID:          xid.New(),
		Endpoint:    endpoint,
		Peer:        peer,
		Blksize:     DefaultBlksize,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.Retries,
		RetriesLeft: cfg.Retries,
		State:       StateStart,
		Logger:      cfg.Logger,
		Hook:        cfg.PacketHook,
		cancel:      cfg.Cancel,
		nowFn:       cfg.nowFn,
		Metrics:     Metrics{StartedAt: cfg.now()},
	}
}

func (c *Context) resetRetries() {
	c.RetriesLeft = c.MaxRetries
}

func (c *Context) invokeHook(p Packet, dir PacketDirection) {
	if c.Hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Warnf("packet hook panicked, ignoring: %v", r)
		}
	}()
	c.Hook(p, dir)
}

func (c *Context) cancelled() bool {
	if c.cancel == nil {
		return false
	}
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// closeResources closes Source/Sink and the Endpoint on every exit
// path, combining any errors instead of discarding all but one.
func (c *Context) closeResources() error {
	var combined error
	if c.Source != nil {
		combined = appendErr(combined, c.Source.Close())
	}
	if c.Sink != nil {
		combined = appendErr(combined, c.Sink.Close())
	}
	if c.Endpoint != nil {
		combined = appendErr(combined, c.Endpoint.Close())
	}
	return combined
}
