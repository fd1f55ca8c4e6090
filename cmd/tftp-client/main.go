package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/lterrac/gotftp"
)

func main() {
	var (
		addr      string
		get       bool
		put       bool
		srcFile   string
		dstFile   string
		blksize   int
		timeout   time.Duration
		retries   int
		wantTsize bool
		verbose   bool
	)

	pflag.StringVar(&addr, "addr", "", "remote server address, host:69")
	pflag.BoolVar(&get, "get", false, "download --src from the server into --dst (defaults to --src)")
	pflag.BoolVar(&put, "put", false, "upload --src to the server as --dst")
	pflag.StringVar(&srcFile, "src", "", `remote filename for get, local filename for put ("-" for stdin)`)
	pflag.StringVar(&dstFile, "dst", "", `local filename for get ("-" for stdout), remote filename for put`)
	pflag.IntVar(&blksize, "blksize", gotftp.DefaultBlksize, "requested block size (RFC 2348)")
	pflag.DurationVar(&timeout, "timeout", 5*time.Second, "per-packet retransmit timeout")
	pflag.IntVar(&retries, "retries", 3, "retransmit attempts before giving up")
	pflag.BoolVar(&wantTsize, "tsize", false, "negotiate the tsize option (RFC 2349)")
	pflag.BoolVar(&verbose, "verbose", false, "log protocol activity to stderr")
	pflag.Parse()

	if addr == "" || srcFile == "" || get == put {
		fmt.Fprintln(os.Stderr, "usage: tftp-client --addr host:69 (--get|--put) --src file [--dst file]")
		os.Exit(2)
	}
	if dstFile == "" {
		dstFile = srcFile
	}

	logger := gotftp.DiscardLogger()
	if verbose {
		logger = gotftp.DefaultLogger()
	}

	client := gotftp.NewClient(
		gotftp.WithBlksize(blksize),
		gotftp.WithTimeout(timeout),
		gotftp.WithRetries(retries),
		gotftp.WithLogger(logger),
	)

	var opts []gotftp.ConfigOption
	if wantTsize {
		opts = append(opts, gotftp.WithTsize(0))
	}

	var (
		metrics gotftp.Metrics
		err     error
	)
	switch {
	case get:
		sink := gotftp.StdioSink(os.Stdout)
		if dstFile != "-" {
			fileSink, openErr := gotftp.OpenFileSink(dstFile)
			if openErr != nil {
				fmt.Fprintln(os.Stderr, "open destination:", openErr)
				os.Exit(1)
			}
			sink = fileSink
		}
		metrics, err = client.Download(addr, srcFile, sink, opts...)

	case put:
		source := gotftp.StdioSource(os.Stdin)
		if srcFile != "-" {
			fileSource, openErr := gotftp.OpenFileSource(srcFile)
			if openErr != nil {
				fmt.Fprintln(os.Stderr, "open source:", openErr)
				os.Exit(1)
			}
			source = fileSource
		}
		metrics, err = client.Upload(addr, dstFile, source, opts...)
	}

	summary := fmt.Sprintf("%s in %s (%s/s), %d retransmits",
		humanize.Bytes(uint64(metrics.BytesTransferred)), metrics.Duration(),
		humanize.Bytes(uint64(metrics.Throughput())), metrics.Retransmits)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, summary)
		os.Exit(1)
	}
	fmt.Println(summary)
}
