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
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies the wire shape of a Packet.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// ErrorCode is the two-byte wire code carried in an ERROR packet.
type ErrorCode uint16

const (
	ErrCodeNotDefined          ErrorCode = 0
	ErrCodeFileNotFound        ErrorCode = 1
	ErrCodeAccessViolation     ErrorCode = 2
	ErrCodeDiskFull            ErrorCode = 3
	ErrCodeIllegalOperation    ErrorCode = 4
	ErrCodeUnknownTransferID   ErrorCode = 5
	ErrCodeFileAlreadyExists   ErrorCode = 6
	ErrCodeNoSuchUser          ErrorCode = 7
	ErrCodeOptionNegotiation   ErrorCode = 8
	maxValidErrorCode          ErrorCode = 8
)

// Option is one (name, value) pair from an RRQ/WRQ/OACK options list.
// Names are compared case-insensitively by the negotiator but the
// byte-exact name the requester sent is preserved here, so it can be
// echoed back verbatim in an OACK.
type Option struct {
	Name  string
	Value string
}

// Packet is the tagged union of the six TFTP packet shapes. Exactly
// one of the typed fields is meaningful, selected by Opcode, so the
// codec and the state machine can pattern-match on a single value
// instead of a type switch over six distinct pointer types.
type Packet struct {
	Opcode Opcode

	// RRQ, WRQ
	Filename string
	Mode     string
	Options  []Option

	// DATA
	Block   uint16
	Payload []byte

	// ACK reuses Block.

	// ERROR
	Code    ErrorCode
	Message string

	// OACK reuses Options.
}

// DecodeError reports why DecodePacket rejected a buffer.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "tftp: decode: " + e.Reason
}

const maxDataPayload = 65464

// EncodePacket renders p to its wire representation. It is total for
// any well-formed packet.
func EncodePacket(p Packet) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, p.Opcode)
	switch p.Opcode {
	case OpRRQ, OpWRQ:
		writeCString(buf, p.Filename)
		writeCString(buf, p.Mode)
		for _, opt := range p.Options {
			writeCString(buf, opt.Name)
			writeCString(buf, opt.Value)
		}
	case OpDATA:
		binary.Write(buf, binary.BigEndian, p.Block)
		buf.Write(p.Payload)
	case OpACK:
		binary.Write(buf, binary.BigEndian, p.Block)
	case OpERROR:
		binary.Write(buf, binary.BigEndian, uint16(p.Code))
		writeCString(buf, p.Message)
	case OpOACK:
		for _, opt := range p.Options {
			writeCString(buf, opt.Name)
			writeCString(buf, opt.Value)
		}
	}
	return buf.Bytes()
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// DecodePacket parses a wire buffer into a Packet, or fails with a
// DecodeError: fewer than 2 bytes, an unknown opcode, a malformed
// option list (missing NUL terminator), an oversized DATA payload, or
// an ERROR code outside the known range.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < 2 {
		return Packet{}, &DecodeError{Reason: "buffer shorter than 2 bytes"}
	}
	opcode := Opcode(binary.BigEndian.Uint16(data[:2]))
	rest := data[2:]
	switch opcode {
	case OpRRQ, OpWRQ:
		return decodeRequest(opcode, rest)
	case OpDATA:
		return decodeData(rest)
	case OpACK:
		if len(rest) != 2 {
			return Packet{}, &DecodeError{Reason: "ACK must carry exactly a block number"}
		}
		return Packet{Opcode: OpACK, Block: binary.BigEndian.Uint16(rest)}, nil
	case OpERROR:
		return decodeError(rest)
	case OpOACK:
		opts, err := decodeOptions(rest)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Opcode: OpOACK, Options: opts}, nil
	default:
		return Packet{}, &DecodeError{Reason: fmt.Sprintf("unknown opcode %d", uint16(opcode))}
	}
}

func decodeRequest(opcode Opcode, rest []byte) (Packet, error) {
	filename, rest, err := readCString(rest)
	if err != nil {
		return Packet{}, &DecodeError{Reason: "request missing filename terminator"}
	}
	mode, rest, err := readCString(rest)
	if err != nil {
		return Packet{}, &DecodeError{Reason: "request missing mode terminator"}
	}
	opts, err := decodeOptions(rest)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Opcode: opcode, Filename: filename, Mode: mode, Options: opts}, nil
}

// decodeOptions parses a trailing (name, value)* list. An empty value
// is a decode error. A name repeated more than once keeps only the
// last occurrence, stored at the position of its first appearance.
func decodeOptions(rest []byte) ([]Option, error) {
	var opts []Option
	seen := map[string]int{}
	for len(rest) > 0 {
		var name, value string
		var err error
		name, rest, err = readCString(rest)
		if err != nil {
			return nil, &DecodeError{Reason: "option name missing terminator"}
		}
		value, rest, err = readCString(rest)
		if err != nil {
			return nil, &DecodeError{Reason: "option value missing terminator"}
		}
		if value == "" {
			return nil, &DecodeError{Reason: "empty option value"}
		}
		key := asciiLower(name)
		if idx, ok := seen[key]; ok {
			opts[idx] = Option{Name: name, Value: value}
			continue
		}
		seen[key] = len(opts)
		opts = append(opts, Option{Name: name, Value: value})
	}
	return opts, nil
}

func decodeData(rest []byte) (Packet, error) {
	if len(rest) < 2 {
		return Packet{}, &DecodeError{Reason: "DATA missing block number"}
	}
	block := binary.BigEndian.Uint16(rest[:2])
	payload := rest[2:]
	if len(payload) == 0 {
		payload = nil
	}
	if len(payload) > maxDataPayload {
		return Packet{}, &DecodeError{Reason: "DATA payload exceeds maximum block size"}
	}
	return Packet{Opcode: OpDATA, Block: block, Payload: payload}, nil
}

func decodeError(rest []byte) (Packet, error) {
	if len(rest) < 2 {
		return Packet{}, &DecodeError{Reason: "ERROR missing code"}
	}
	code := ErrorCode(binary.BigEndian.Uint16(rest[:2]))
	if code > maxValidErrorCode {
		return Packet{}, &DecodeError{Reason: fmt.Sprintf("ERROR code %d out of range", uint16(code))}
	}
	msg, _, err := readCString(rest[2:])
	if err != nil {
		return Packet{}, &DecodeError{Reason: "ERROR missing message terminator"}
	}
	return Packet{Opcode: OpERROR, Code: code, Message: msg}, nil
}

func readCString(data []byte) (string, []byte, error) {
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("missing NUL terminator")
	}
	return string(data[:idx]), data[idx+1:], nil
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
