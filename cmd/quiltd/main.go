package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/quiltsync/quilt/quilt"
)

const Version = "0.1.0"

const (
	ExitBindFailure    = 1
	ExitStorageFailure = 2
)

func main() {
	usage := `Quilt replication server.

Usage:
    quiltd [--port=<port>] [--root=<root>] [--log-level=<level>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    -p --port=<port>       Listen port [default: 8688].
    --root=<root>          Storage root [default: ./quilt-data].
    --log-level=<level>    Log level [default: info].

The STORAGE_ROOT and LOG_LEVEL environment variables override --root and
--log-level.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	port, _ := opts.Int("--port")
	root, _ := opts.String("--root")
	logLevel, _ := opts.String("--log-level")

	if envRoot := os.Getenv("STORAGE_ROOT"); envRoot != "" {
		root = envRoot
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		logLevel = envLogLevel
	}

	if err := quilt.SetLogLevel(logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(ExitBindFailure)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := quilt.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	store, err := quilt.NewResourceStoreWithDefaults(root)
	if err != nil {
		glog.Errorf("[quiltd]storage open failed: %s\n", err)
		os.Exit(ExitStorageFailure)
	}
	blobs, err := quilt.NewBlobStore(root)
	if err != nil {
		glog.Errorf("[quiltd]storage open failed: %s\n", err)
		os.Exit(ExitStorageFailure)
	}
	defer blobs.Close()

	server := quilt.NewReplicationServerWithDefaults(store, blobs)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		glog.Errorf("[quiltd]bind failed: %s\n", err)
		os.Exit(ExitBindFailure)
	}

	httpServer := &http.Server{
		Handler: server,
	}
	go func() {
		event.WaitForExit()
		httpServer.Shutdown(context.Background())
	}()

	glog.Infof("[quiltd]listening on :%d root=%s\n", port, root)
	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		glog.Errorf("[quiltd]serve failed: %s\n", err)
		os.Exit(ExitBindFailure)
	}
}
