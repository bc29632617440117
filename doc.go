// Package drsync implements a reliable, priority-aware file transfer
// engine over UDP.
//
// Files are split into fixed-size chunks, sent under a congestion-
// controlled sliding window with selective per-chunk acknowledgment, and
// reassembled by offset at the receiver. Transfers can be paused and
// resumed, and progress is checkpointed durably so an interrupted
// transfer survives a process restart.
//
// Example:
//
//	opts := drsync.DefaultOptions()
//	opts.ListenAddr = "0.0.0.0:9090"
//
//	engine, err := drsync.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	remote, _ := net.ResolveUDPAddr("udp4", "192.168.1.20:9090")
//	fileID, err := engine.StartTransfer("/data/big.iso", remote, transport.PriorityHigh)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for {
//	    stats := engine.GetStats(fileID)
//	    if stats.Completed {
//	        break
//	    }
//	    time.Sleep(time.Second)
//	}
package drsync
