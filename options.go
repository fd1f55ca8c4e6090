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

import "strconv"

const (
	optNameBlksize = "blksize"
	optNameTsize   = "tsize"

	// DefaultBlksize is the block size in effect when no blksize
	// option is negotiated (RFC 1350).
	DefaultBlksize = 512
	minBlksize     = 8
	maxBlksize     = 65464
)

// Role distinguishes which side of a transfer request negotiate is
// being applied to, since tsize means something different on each.
type Role int

const (
	RoleServerRRQ Role = iota
	RoleServerWRQ
)

// NegotiatedOptions holds the parsed, policy-applied values a session
// acts on, keyed by the canonical (lowercased) option name.
type NegotiatedOptions struct {
	Blksize  int
	HasTsize bool
	Tsize    int
}

// negotiate applies the server's option policy, in order, to an
// incoming RRQ/WRQ's requested option list and returns the subset to
// echo in an OACK plus the values the session should apply. fileSize
// is consulted only for RoleServerRRQ, and only when the client
// requested tsize=0; it reports the size of the file about to be
// served.
func negotiate(requested []Option, role Role, fileSize func() (int64, bool)) (echoed []Option, applied NegotiatedOptions) {
	applied.Blksize = DefaultBlksize
	for _, opt := range requested {
		switch asciiLower(opt.Name) {
		case optNameBlksize:
			size, err := strconv.Atoi(opt.Value)
			if err != nil {
				continue // unparseable: omit rather than error
			}
			if size < minBlksize {
				size = minBlksize
			}
			if size > maxBlksize {
				size = maxBlksize
			}
			applied.Blksize = size
			echoed = append(echoed, Option{Name: opt.Name, Value: strconv.Itoa(size)})

		case optNameTsize:
			value, err := strconv.Atoi(opt.Value)
			if err != nil {
				continue
			}
			switch role {
			case RoleServerWRQ:
				// Advisory metadata from the client; echo verbatim.
				applied.HasTsize, applied.Tsize = true, value
				echoed = append(echoed, Option{Name: opt.Name, Value: opt.Value})
			case RoleServerRRQ:
				if value == 0 && fileSize != nil {
					if size, ok := fileSize(); ok {
						applied.HasTsize, applied.Tsize = true, int(size)
						echoed = append(echoed, Option{Name: opt.Name, Value: strconv.FormatInt(size, 10)})
						continue
					}
				}
				applied.HasTsize, applied.Tsize = true, value
				echoed = append(echoed, Option{Name: opt.Name, Value: opt.Value})
			}

		default:
			// Any other option name: drop, not echoed, not errored.
		}
	}
	return echoed, applied
}

// requestedOptions builds the (name, value) list a client sends on
// its own RRQ/WRQ, given its configuration.
func requestedOptions(blksize int, tsize int, wantTsize bool) []Option {
	var opts []Option
	if blksize != DefaultBlksize {
		opts = append(opts, Option{Name: optNameBlksize, Value: strconv.Itoa(blksize)})
	}
	if wantTsize {
		opts = append(opts, Option{Name: optNameTsize, Value: strconv.Itoa(tsize)})
	}
	return opts
}

// validateOACK checks that every option name in the OACK was present
// in what the client originally requested; any option the client
// didn't ask for makes the OACK invalid.
func validateOACK(requested, oack []Option) bool {
	req := map[string]bool{}
	for _, o := range requested {
		req[asciiLower(o.Name)] = true
	}
	for _, o := range oack {
		if !req[asciiLower(o.Name)] {
			return false
		}
	}
	return true
}

// applyOACK parses an OACK's echoed options into NegotiatedOptions
// from the client's perspective.
func applyOACK(oack []Option) NegotiatedOptions {
	applied := NegotiatedOptions{Blksize: DefaultBlksize}
	for _, opt := range oack {
		switch asciiLower(opt.Name) {
		case optNameBlksize:
			if v, err := strconv.Atoi(opt.Value); err == nil {
				applied.Blksize = v
			}
		case optNameTsize:
			if v, err := strconv.Atoi(opt.Value); err == nil {
				applied.HasTsize, applied.Tsize = true, v
			}
		}
	}
	return applied
}
