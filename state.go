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
)

// eventKind distinguishes the two event shapes the running state
// machine reacts to: an inbound packet, or a receive timeout. Session
// startup is handled by the begin* functions below rather than fed
// through step, since it only ever fires once, before any packet has
// been sent or received.
type eventKind int

const (
	eventPacket eventKind = iota
	eventTimeout
)

type event struct {
	kind eventKind
	pkt  Packet
	src  net.Addr
}

// sendPacket encodes, sends, and records p as the packet awaiting a
// reply, invoking the packet hook and updating metrics. Every
// transition that awaits a reply goes through this so
// LastOutboundPacket is always set before the state machine blocks on
// Receive again.
func (c *Context) sendPacket(p Packet) error {
	b := EncodePacket(p)
	c.invokeHook(p, Outbound)
	if err := c.Endpoint.Send(b, c.Peer); err != nil {
		return err
	}
	c.LastOutboundPacket = b
	c.Metrics.PacketsSent++
	return nil
}

func (c *Context) resend() error {
	if err := c.Endpoint.Send(c.LastOutboundPacket, c.Peer); err != nil {
		return err
	}
	c.Metrics.PacketsSent++
	return nil
}

func (c *Context) fail(err *TftpError, reply bool) {
	c.Err = err
	c.State = StateErrored
	if reply && err.Code != nil {
		c.sendPacket(Packet{Opcode: OpERROR, Code: *err.Code, Message: err.Message})
	}
}

func isOctetMode(mode string) bool {
	return asciiLower(mode) == "octet"
}

// beginClientRequest sends the initial RRQ or WRQ and advances the
// session from Start into SentRRQ/SentWRQ, arming the retransmit
// timer via LastOutboundPacket.
func beginClientRequest(c *Context, opcode Opcode) error {
	req := Packet{Opcode: opcode, Filename: c.Filename, Mode: c.Mode, Options: c.RequestedOptions}
	if err := c.sendPacket(req); err != nil {
		return err
	}
	if opcode == OpRRQ {
		c.State = StateSentRRQ
	} else {
		c.State = StateSentWRQ
	}
	return nil
}

// beginServerRRQ negotiates the incoming RRQ's options, then either
// sends OACK and awaits ACK(0), or sends the first DATA block
// directly, advancing the session into ExpectAck either way.
func beginServerRRQ(c *Context, req Packet) error {
	echoed, applied := negotiate(req.Options, RoleServerRRQ, c.fileSize)
	c.NegotiatedOptions = applied
	c.Blksize = applied.Blksize
	c.Direction = DirectionUpload

	if len(echoed) > 0 {
		if err := c.sendPacket(Packet{Opcode: OpOACK, Options: echoed}); err != nil {
			return err
		}
		c.LastBlockSent = 0
		// Sentinel: no DATA sent yet, so the "was the last block short"
		// check in stepExpectAck must not fire on the OACK->ACK(0)
		// leg. Any value >= Blksize defers to the "read and send the
		// next block" branch.
		c.lastPayloadLen = c.Blksize
		c.State = StateExpectAck
		return nil
	}

	c.Blksize = DefaultBlksize
	return sendNextDataBlock(c, 1)
}

// beginServerWRQ negotiates the incoming WRQ's options, then either
// sends OACK or ACK(0), and advances the session into ExpectData.
func beginServerWRQ(c *Context, req Packet) error {
	echoed, applied := negotiate(req.Options, RoleServerWRQ, nil)
	c.NegotiatedOptions = applied
	c.Blksize = applied.Blksize
	c.Direction = DirectionDownload
	c.LastBlockAcked = 0

	if len(echoed) > 0 {
		if err := c.sendPacket(Packet{Opcode: OpOACK, Options: echoed}); err != nil {
			return err
		}
		c.State = StateExpectData
		return nil
	}

	c.Blksize = DefaultBlksize
	if err := c.sendPacket(Packet{Opcode: OpACK, Block: 0}); err != nil {
		return err
	}
	c.State = StateExpectData
	return nil
}

// sendNextDataBlock reads one block from c.Source and sends it,
// tracking LastBlockSent/lastPayloadLen and transitioning to
// ExpectAck.
func sendNextDataBlock(c *Context, block uint16) error {
	payload, err := c.Source.Read(c.Blksize)
	if err != nil {
		return err
	}
	if err := c.sendPacket(Packet{Opcode: OpDATA, Block: block, Payload: payload}); err != nil {
		return err
	}
	c.LastBlockSent = block
	c.lastPayloadLen = len(payload)
	c.Metrics.BytesTransferred += int64(len(payload))
	c.State = StateExpectAck
	return nil
}

// step is the single dispatcher for the session's transition table:
// it takes the current state and an event and applies whatever side
// effects (sends, stream writes, metrics) the transition calls for,
// updating c.State in place. It covers every state except Start
// (handled by the begin* functions above) and leaves the TID and
// cancellation checks to runLoop, which is where the peer address an
// event arrived from is known.
func step(c *Context, ev event) {
	if ev.kind == eventTimeout {
		stepTimeout(c)
		return
	}

	pkt := ev.pkt
	if pkt.Opcode == OpERROR {
		c.Err = newRemoteError(c.Peer, pkt.Code, pkt.Message)
		c.State = StateErrored
		return
	}

	switch c.State {
	case StateSentRRQ:
		stepSentRRQ(c, pkt)
	case StateSentWRQ:
		stepSentWRQ(c, pkt)
	case StateExpectData:
		stepExpectData(c, pkt)
	case StateExpectAck:
		stepExpectAck(c, pkt)
	default:
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "unexpected packet for session state"), true)
	}
}

func stepTimeout(c *Context) {
	if c.RetriesLeft > 0 {
		c.RetriesLeft--
		c.Metrics.Retransmits++
		if err := c.resend(); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
		}
		return
	}
	c.fail(&TftpError{Kind: KindTransport, Message: "timeout exceeded", Peer: c.Peer}, false)
}

func stepSentRRQ(c *Context, pkt Packet) {
	switch pkt.Opcode {
	case OpOACK:
		if !validateOACK(c.RequestedOptions, pkt.Options) {
			c.fail(newOptionError(c.Peer, "OACK contains unrequested options"), true)
			return
		}
		c.NegotiatedOptions = applyOACK(pkt.Options)
		c.Blksize = c.NegotiatedOptions.Blksize
		if err := c.sendPacket(Packet{Opcode: OpACK, Block: 0}); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
			return
		}
		c.State = StateExpectData
		c.LastBlockAcked = 0
		c.resetRetries()

	case OpDATA:
		if pkt.Block != 1 {
			c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "expected DATA block 1"), true)
			return
		}
		// Server declined options: discard, fall back to RFC 1350.
		c.NegotiatedOptions = NegotiatedOptions{Blksize: DefaultBlksize}
		c.Blksize = DefaultBlksize
		if err := c.Sink.Write(pkt.Payload); err != nil {
			c.fail(newFilesystemError(c.Peer, ErrCodeDiskFull, err.Error(), err), true)
			return
		}
		c.Metrics.BytesTransferred += int64(len(pkt.Payload))
		if err := c.sendPacket(Packet{Opcode: OpACK, Block: 1}); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
			return
		}
		c.LastBlockAcked = 1
		c.resetRetries()
		if len(pkt.Payload) < DefaultBlksize {
			c.State = StateFinished
		} else {
			c.State = StateExpectData
		}

	default:
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "unexpected packet awaiting OACK/DATA"), true)
	}
}

func stepSentWRQ(c *Context, pkt Packet) {
	switch pkt.Opcode {
	case OpOACK:
		if !validateOACK(c.RequestedOptions, pkt.Options) {
			c.fail(newOptionError(c.Peer, "OACK contains unrequested options"), true)
			return
		}
		c.resetRetries()
		c.NegotiatedOptions = applyOACK(pkt.Options)
		c.Blksize = c.NegotiatedOptions.Blksize
		if err := sendNextDataBlock(c, 1); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
		}

	case OpACK:
		if pkt.Block != 0 {
			c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "expected ACK block 0"), true)
			return
		}
		c.resetRetries()
		c.NegotiatedOptions = NegotiatedOptions{Blksize: DefaultBlksize}
		c.Blksize = DefaultBlksize
		if err := sendNextDataBlock(c, 1); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
		}

	default:
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "unexpected packet awaiting OACK/ACK(0)"), true)
	}
}

func stepExpectData(c *Context, pkt Packet) {
	if pkt.Opcode != OpDATA {
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "expected DATA"), true)
		return
	}
	expected := c.LastBlockAcked + 1
	switch pkt.Block {
	case expected:
		if err := c.Sink.Write(pkt.Payload); err != nil {
			c.fail(newFilesystemError(c.Peer, ErrCodeDiskFull, err.Error(), err), true)
			return
		}
		c.Metrics.BytesTransferred += int64(len(pkt.Payload))
		if err := c.sendPacket(Packet{Opcode: OpACK, Block: pkt.Block}); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
			return
		}
		c.LastBlockAcked = pkt.Block
		c.resetRetries()
		if len(pkt.Payload) < c.Blksize {
			c.State = StateFinished
		}

	case c.LastBlockAcked:
		// Peer missed our ACK: resend it, no state change, no retry
		// decrement.
		if err := c.resend(); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
		}

	default:
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "unexpected block number"), true)
	}
}

func stepExpectAck(c *Context, pkt Packet) {
	if pkt.Opcode != OpACK {
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "expected ACK"), true)
		return
	}
	switch pkt.Block {
	case c.LastBlockSent:
		c.resetRetries()
		if c.lastPayloadLen < c.Blksize {
			c.State = StateFinished
			return
		}
		if err := sendNextDataBlock(c, c.LastBlockSent+1); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
		}

	case c.LastBlockSent - 1:
		if err := c.resend(); err != nil {
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
		}

	default:
		c.fail(newProtocolError(c.Peer, ErrCodeIllegalOperation, "unexpected ACK block number"), true)
	}
}

// addrMatches compares two net.Addr by their string form (host:port),
// which is how *net.UDPAddr renders and is good enough to detect a
// transfer ID mismatch.
func addrMatches(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// sendErrorTo sends a standalone ERROR packet to an address that is
// not necessarily the frozen session peer — used to answer a stray
// sender on the wrong port without disturbing session state.
func (c *Context) sendErrorTo(addr net.Addr, code ErrorCode, msg string) {
	p := Packet{Opcode: OpERROR, Code: code, Message: msg}
	c.invokeHook(p, Outbound)
	c.Endpoint.Send(EncodePacket(p), addr) //nolint:errcheck // best-effort notification to a stray sender
}

// runLoop drives c from its current (already-advanced-past-Start)
// state to Finished or Errored: block on Receive, check cancellation
// immediately before receiving and immediately after decoding,
// enforce the transfer-ID freeze, and dispatch every other packet
// through step.
func runLoop(c *Context) (Metrics, error) {
	for c.State != StateFinished && c.State != StateErrored {
		if c.cancelled() {
			c.fail(newCancelledError(c.Peer), true)
			break
		}

		data, src, err := c.Endpoint.Receive(c.Timeout)
		if err != nil {
			if err == ErrTimeout {
				step(c, event{kind: eventTimeout})
				continue
			}
			c.fail(&TftpError{Kind: KindTransport, Message: err.Error(), Peer: c.Peer}, false)
			break
		}

		if c.tidFrozen {
			if !addrMatches(src, c.Peer) {
				c.sendErrorTo(src, ErrCodeUnknownTransferID, "Unknown transfer ID")
				continue
			}
		} else {
			c.Peer = src
			c.tidFrozen = true
		}

		pkt, decErr := DecodePacket(data)
		if decErr != nil {
			c.fail(newDecodeError(c.Peer, decErr), true)
			break
		}
		c.Metrics.PacketsReceived++
		c.invokeHook(pkt, Inbound)

		if c.cancelled() {
			c.fail(newCancelledError(c.Peer), true)
			break
		}

		step(c, event{kind: eventPacket, pkt: pkt, src: src})
	}

	c.Metrics.EndedAt = c.now()
	closeErr := c.closeResources()

	if c.State == StateErrored {
		return c.Metrics, c.Err
	}
	if closeErr != nil {
		return c.Metrics, closeErr
	}
	return c.Metrics, nil
}

// now lets tests override Context's notion of "now" the same way
// Config.now does, for deterministic Metrics.
func (c *Context) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}
