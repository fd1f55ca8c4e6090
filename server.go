package gotftp

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// FileHandler resolves the filenames a server sees in RRQ/WRQ into the
// Source/Sink streams the state machine reads from and writes to.
type FileHandler interface {
	OpenRead(filename string) (Source, error)
	OpenWrite(filename string) (Sink, error)
}

// rootHandler serves files rooted at a directory, rejecting any
// filename that would resolve outside it.
type rootHandler struct {
	root string
}

// NewRootHandler returns a FileHandler confined to root, the
// idiomatic way to run a read-only or read-write TFTP file server
// without exposing the rest of the filesystem.
func NewRootHandler(root string) FileHandler {
	return &rootHandler{root: filepath.Clean(root)}
}

func (h *rootHandler) resolve(filename string) (string, error) {
	clean := filepath.Clean("/" + filename)
	full := filepath.Join(h.root, clean)
	if full != h.root && !strings.HasPrefix(full, h.root+string(os.PathSeparator)) {
		return "", newFilesystemError(nil, ErrCodeAccessViolation, "path escapes tftproot: "+filename, nil)
	}
	return full, nil
}

func (h *rootHandler) OpenRead(filename string) (Source, error) {
	full, err := h.resolve(filename)
	if err != nil {
		return nil, err
	}
	return OpenFileSource(full)
}

func (h *rootHandler) OpenWrite(filename string) (Sink, error) {
	full, err := h.resolve(filename)
	if err != nil {
		return nil, err
	}
	return OpenFileSink(full)
}

// classifyOpenErr turns a FileHandler's raw error into the TftpError
// carrying the wire code the caller should send back. A handler may
// already return a *TftpError (rootHandler's path-escape guard does);
// that is passed through unchanged.
func classifyOpenErr(err error, peer net.Addr, filename string) *TftpError {
	if te, ok := err.(*TftpError); ok {
		return te
	}
	switch {
	case os.IsNotExist(err):
		return newFilesystemError(peer, ErrCodeFileNotFound, "file not found: "+filename, err)
	case os.IsPermission(err), errors.Is(err, syscall.EISDIR), errors.Is(err, syscall.EROFS):
		return newFilesystemError(peer, ErrCodeAccessViolation, "access denied: "+filename, err)
	case os.IsExist(err):
		return newFilesystemError(peer, ErrCodeFileAlreadyExists, "file exists: "+filename, err)
	case errors.Is(err, syscall.ENOSPC):
		return newFilesystemError(peer, ErrCodeDiskFull, err.Error(), err)
	default:
		return newFilesystemError(peer, ErrCodeNotDefined, err.Error(), err)
	}
}

// ServerSession carries one RRQ or WRQ to completion on its own
// ephemeral-port Endpoint, driven by the same Context/step state
// machine the client uses.
type ServerSession struct {
	cfg     Config
	handler FileHandler
}

func newServerSession(cfg Config, handler FileHandler) *ServerSession {
	return &ServerSession{cfg: cfg, handler: handler}
}

// Run opens a fresh UDP socket (establishing this session's own TID),
// opens the requested file, and drives the transfer to completion.
func (s *ServerSession) Run(req Packet, peer net.Addr) (Metrics, error) {
	endpoint, err := NewUDPEndpoint(":0")
	if err != nil {
		return Metrics{}, newTransportError(peer, "open session socket", err)
	}

	c := newContext(endpoint, peer, s.cfg)
	// The peer that sent the RRQ/WRQ is already known; this session is
	// pinned to it from the first reply onward.
	c.tidFrozen = true
	c.Originator = OriginatorServer
	c.Filename = req.Filename
	c.Mode = req.Mode
	c.RequestedOptions = req.Options
	c.Logger = s.cfg.Logger.Session(c.ID.String(), peer.String())

	switch {
	case !isOctetMode(req.Mode):
		c.fail(newProtocolError(peer, ErrCodeIllegalOperation, "only octet mode is supported"), true)

	case req.Opcode == OpRRQ:
		c.State = StateReceivedRRQ
		source, err := s.handler.OpenRead(req.Filename)
		if err != nil {
			c.fail(classifyOpenErr(err, peer, req.Filename), true)
			break
		}
		c.Source = source
		if sz, ok := source.(sizer); ok {
			c.fileSize = sz.Size
		}
		c.Logger.Infof("RRQ %s", req.Filename)
		if err := beginServerRRQ(c, req); err != nil {
			c.fail(newTransportError(peer, "send initial reply", err), false)
		}

	case req.Opcode == OpWRQ:
		c.State = StateReceivedWRQ
		sink, err := s.handler.OpenWrite(req.Filename)
		if err != nil {
			c.fail(classifyOpenErr(err, peer, req.Filename), true)
			break
		}
		c.Sink = sink
		c.Logger.Infof("WRQ %s", req.Filename)
		if err := beginServerWRQ(c, req); err != nil {
			c.fail(newTransportError(peer, "send initial reply", err), false)
		}

	default:
		c.fail(newProtocolError(peer, ErrCodeIllegalOperation, "expected RRQ or WRQ"), true)
	}

	metrics, runErr := runLoop(c)
	s.cfg.Prom.RecordSession(c.Direction, metrics, runErr)
	if runErr != nil {
		c.Logger.Warnf("session failed: %v", runErr)
	} else {
		c.Logger.Infof("session complete: %s", humanize.Bytes(uint64(metrics.BytesTransferred)))
	}
	return metrics, runErr
}

// Dispatcher listens on a single well-known-port socket and spins up
// one ServerSession per inbound RRQ/WRQ on its own supervised
// goroutine, deduping against the active map so a retransmitted first
// packet can't spawn a second session while the session for that peer
// address is still running.
type Dispatcher struct {
	cfg      Config
	handler  FileHandler
	listener Endpoint

	mu     sync.Mutex
	active map[string]struct{}
}

// NewDispatcher binds laddr (":69" for the standard port) and returns
// a Dispatcher ready to Serve.
func NewDispatcher(laddr string, handler FileHandler, opts ...ConfigOption) (*Dispatcher, error) {
	cfg := newConfig(opts)
	listener, err := NewUDPEndpoint(laddr)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:      cfg,
		handler:  handler,
		listener: listener,
		active:   make(map[string]struct{}),
	}, nil
}

// Serve accepts requests until ctx is cancelled or the listener fails,
// running every session on its own goroutine. A session's own failure
// never stops the dispatcher; only a listener-level error or context
// cancellation does.
func (d *Dispatcher) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for {
		select {
		case <-gctx.Done():
			d.listener.Close()
			return g.Wait()
		default:
		}

		data, peer, err := d.listener.Receive(time.Second)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			d.listener.Close()
			g.Wait()
			return err
		}

		pkt, decErr := DecodePacket(data)
		if decErr != nil {
			d.listener.Send(EncodePacket(Packet{Opcode: OpERROR, Code: ErrCodeIllegalOperation, Message: "malformed request"}), peer)
			continue
		}
		if pkt.Opcode != OpRRQ && pkt.Opcode != OpWRQ {
			d.listener.Send(EncodePacket(Packet{Opcode: OpERROR, Code: ErrCodeIllegalOperation, Message: "expected RRQ or WRQ"}), peer)
			continue
		}

		key := peer.String()
		d.mu.Lock()
		_, dup := d.active[key]
		if !dup {
			d.active[key] = struct{}{}
		}
		d.mu.Unlock()
		if dup {
			// A request from a peer whose session is still running
			// (typically a retransmitted first packet); the session's
			// own retry logic resends its first reply on timeout.
			continue
		}

		session := newServerSession(d.cfg, d.handler)
		req, from := pkt, peer
		g.Go(func() error {
			defer func() {
				d.mu.Lock()
				delete(d.active, key)
				d.mu.Unlock()
			}()
			session.Run(req, from)
			return nil
		})
	}
}
