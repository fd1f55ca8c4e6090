package gotftp

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// appendErr combines teardown errors from every resource a session
// owns, instead of discarding all but one.
func appendErr(existing, next error) error {
	return multierr.Append(existing, next)
}

// ErrorKind classifies why a session ended in Errored, per the
// taxonomy a caller needs to distinguish protocol failures from
// local transport trouble.
type ErrorKind int

const (
	// KindProtocol covers illegal operations, bad mode, and option
	// negotiation failures signaled to the peer over the wire.
	KindProtocol ErrorKind = iota
	// KindFilesystem covers not-found/access/disk-full/already-exists,
	// also signaled over the wire.
	KindFilesystem
	// KindTransport covers timeout exhaustion and endpoint I/O
	// failure; never signaled, since there may be no reachable peer.
	KindTransport
	// KindDecode covers a malformed packet received from the peer.
	KindDecode
	// KindOption covers an OACK containing unrequested or unknown
	// options.
	KindOption
	// KindCancelled covers a caller-initiated cancellation.
	KindCancelled
	// KindRemote covers an ERROR packet received from the peer.
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindFilesystem:
		return "filesystem"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindOption:
		return "option"
	case KindCancelled:
		return "cancelled"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// TftpError is the structured failure a session caller receives on
// any transition into Errored.
type TftpError struct {
	Kind    ErrorKind
	Code    *ErrorCode
	Message string
	Peer    net.Addr
	cause   error
}

func (e *TftpError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("tftp: %s (code %d): %s", e.Kind, *e.Code, e.Message)
	}
	return fmt.Sprintf("tftp: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/As.
func (e *TftpError) Unwrap() error {
	return e.cause
}

func newProtocolError(peer net.Addr, code ErrorCode, msg string) *TftpError {
	c := code
	return &TftpError{Kind: KindProtocol, Code: &c, Message: msg, Peer: peer}
}

func newFilesystemError(peer net.Addr, code ErrorCode, msg string, cause error) *TftpError {
	c := code
	return &TftpError{Kind: KindFilesystem, Code: &c, Message: msg, Peer: peer, cause: cause}
}

func newTransportError(peer net.Addr, msg string, cause error) *TftpError {
	return &TftpError{Kind: KindTransport, Message: msg, Peer: peer, cause: errors.Wrap(cause, msg)}
}

func newDecodeError(peer net.Addr, cause error) *TftpError {
	c := ErrCodeIllegalOperation
	return &TftpError{Kind: KindDecode, Code: &c, Message: "malformed packet", Peer: peer, cause: errors.WithStack(cause)}
}

func newOptionError(peer net.Addr, msg string) *TftpError {
	c := ErrCodeOptionNegotiation
	return &TftpError{Kind: KindOption, Code: &c, Message: msg, Peer: peer}
}

func newCancelledError(peer net.Addr) *TftpError {
	c := ErrCodeNotDefined
	return &TftpError{Kind: KindCancelled, Code: &c, Message: "Cancelled", Peer: peer}
}

func newRemoteError(peer net.Addr, code ErrorCode, msg string) *TftpError {
	c := code
	return &TftpError{Kind: KindRemote, Code: &c, Message: msg, Peer: peer}
}
