// Command drsync-recv runs a standalone receiver that reassembles
// incoming transfers into an output directory.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drsync"
	"github.com/opd-ai/drsync/transport"
)

func main() {
	listen := flag.String("listen", drsync.DefaultListenAddr, "UDP bind address")
	outDir := flag.String("out", ".", "output directory for received files")
	chunkSize := flag.Uint("chunk-size", uint(drsync.DefaultChunkSize), "sender chunk size in bytes")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logrus.WithError(err).Fatal("Cannot create output directory")
	}

	ep, err := transport.Listen(*listen)
	if err != nil {
		logrus.WithError(err).Fatal("Bind failed")
	}
	defer ep.Close()

	recv := drsync.NewReceiver(ep, *outDir, uint32(*chunkSize))
	recv.OnComplete(func(fileID, path, hash string) {
		logrus.WithFields(logrus.Fields{
			"file_id":   fileID,
			"path":      path,
			"file_hash": hash,
		}).Info("Received file")
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
