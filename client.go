package gotftp

import (
	"net"

	"github.com/dustin/go-humanize"
)

// Client issues RRQ/WRQ requests to a single TFTP server, one transfer
// at a time, reusing the configuration supplied at construction for
// every call unless a given transfer overrides it with per-call
// ConfigOptions. Download and Upload both drive the same session
// state machine the server uses, just from the opposite end.
type Client struct {
	cfg Config
}

// NewClient builds a Client. Per-call ConfigOptions passed to Download
// or Upload are applied on top of these defaults.
func NewClient(opts ...ConfigOption) *Client {
	return &Client{cfg: newConfig(opts)}
}

func (cl *Client) mergedConfig(opts []ConfigOption) Config {
	cfg := cl.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Download fetches filename from addr ("host:69") into sink, driving
// an RRQ from Start through Finished/Errored and returning the
// transfer's Metrics regardless of outcome.
func (cl *Client) Download(addr, filename string, sink Sink, opts ...ConfigOption) (Metrics, error) {
	cfg := cl.mergedConfig(opts)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Metrics{}, newTransportError(nil, "resolve server address", err)
	}

	endpoint, err := NewUDPEndpoint(":0")
	if err != nil {
		return Metrics{}, newTransportError(raddr, "open client socket", err)
	}

	c := newContext(endpoint, raddr, cfg)
	c.Originator = OriginatorClient
	c.Direction = DirectionDownload
	c.Sink = sink
	c.Filename = filename
	c.Mode = "octet"
	c.RequestedOptions = requestedOptions(cfg.Blksize, 0, cfg.WantTsize)
	c.Logger = cfg.Logger.Session(c.ID.String(), raddr.String())

	c.Logger.Infof("RRQ %s", filename)
	if err := beginClientRequest(c, OpRRQ); err != nil {
		c.closeResources()
		return c.Metrics, newTransportError(raddr, "send RRQ", err)
	}

	metrics, runErr := runLoop(c)
	cfg.Prom.RecordSession(DirectionDownload, metrics, runErr)
	if runErr != nil {
		c.Logger.Warnf("download failed: %v", runErr)
	} else {
		c.Logger.Infof("download complete: %s (%s/s)",
			humanize.Bytes(uint64(metrics.BytesTransferred)), humanize.Bytes(uint64(metrics.Throughput())))
	}
	return metrics, runErr
}

// Upload pushes source to addr as filename, driving a WRQ through to
// completion.
func (cl *Client) Upload(addr, filename string, source Source, opts ...ConfigOption) (Metrics, error) {
	cfg := cl.mergedConfig(opts)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Metrics{}, newTransportError(nil, "resolve server address", err)
	}

	endpoint, err := NewUDPEndpoint(":0")
	if err != nil {
		return Metrics{}, newTransportError(raddr, "open client socket", err)
	}

	c := newContext(endpoint, raddr, cfg)
	c.Originator = OriginatorClient
	c.Direction = DirectionUpload
	c.Source = source
	c.Filename = filename
	c.Mode = "octet"

	tsizeHint := cfg.TsizeHint
	if cfg.WantTsize && tsizeHint == 0 {
		if sz, ok := source.(sizer); ok {
			if n, known := sz.Size(); known {
				tsizeHint = int(n)
			}
		}
	}
	c.RequestedOptions = requestedOptions(cfg.Blksize, tsizeHint, cfg.WantTsize)
	c.Logger = cfg.Logger.Session(c.ID.String(), raddr.String())

	c.Logger.Infof("WRQ %s", filename)
	if err := beginClientRequest(c, OpWRQ); err != nil {
		c.closeResources()
		return c.Metrics, newTransportError(raddr, "send WRQ", err)
	}

	metrics, runErr := runLoop(c)
	cfg.Prom.RecordSession(DirectionUpload, metrics, runErr)
	if runErr != nil {
		c.Logger.Warnf("upload failed: %v", runErr)
	} else {
		c.Logger.Infof("upload complete: %s (%s/s)",
			humanize.Bytes(uint64(metrics.BytesTransferred)), humanize.Bytes(uint64(metrics.Throughput())))
	}
	return metrics, runErr
}
