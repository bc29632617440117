// Command drsync-send transfers a single file to a remote receiver and
// reports progress until the transfer completes.
package main

import (
	"flag"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drsync"
	"github.com/opd-ai/drsync/transport"
)

func main() {
	file := flag.String("file", "", "path of the file to send")
	remote := flag.String("remote", "127.0.0.1:9090", "receiver address (host:port)")
	listen := flag.String("listen", "0.0.0.0:0", "local bind address")
	priority := flag.String("priority", "normal", "transfer priority: normal, high, critical")
	checkpointDB := flag.String("checkpoint-db", drsync.DefaultCheckpointDB, "checkpoint database path")
	flag.Parse()

	if *file == "" {
		logrus.Fatal("-file is required")
	}

	remoteAddr, err := net.ResolveUDPAddr("udp4", *remote)
	if err != nil {
		logrus.WithError(err).Fatal("Bad remote address")
	}

	prio := transport.PriorityNormal
	switch *priority {
	case "high":
		prio = transport.PriorityHigh
	case "critical":
		prio = transport.PriorityCritical
	}

	opts := drsync.DefaultOptions()
	opts.ListenAddr = *listen
	opts.CheckpointDB = *checkpointDB

	engine, err := drsync.New(opts)
	if err != nil {
		logrus.WithError(err).Fatal("Engine startup failed")
	}
	defer engine.Stop()

	fileID, err := engine.StartTransfer(*file, remoteAddr, prio)
	if err != nil {
		logrus.WithError(err).Fatal("Transfer start failed")
	}

	for {
		time.Sleep(time.Second)
		stats := engine.GetStats(fileID)

		logrus.WithFields(logrus.Fields{
			"file_id":         fileID,
			"chunks_acked":    stats.ChunksAcked,
			"bytes_acked":     stats.BytesAcked,
			"retransmissions": stats.Retransmissions,
			"throughput_mbps": stats.ThroughputMbps,
		}).Info("Progress")

		if stats.Completed {
			logrus.WithField("file_id", fileID).Info("Transfer complete")
			return
		}
	}
}
