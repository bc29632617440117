// Package congestion implements the per-transfer send-rate controller.
//
// The controller is a four-state machine (slow start, congestion
// avoidance, fast recovery, congested) driven by ACKs, losses and RTT
// samples. It produces a send window bounded to [MinWindow, MaxWindow]
// and an RFC 6298-style retransmission timeout. The timeout is biased by
// the transfer's priority; window growth is capped at MaxWindow for every
// priority.
//
// Window, RTT estimators and counters are atomics so the sender loop can
// read WindowSize and RetryTimeout without holding the owning transfer's
// lock; state-machine transitions (OnAck, OnLoss) must run under that
// lock.
package congestion

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drsync/transport"
)

// State is the controller's congestion state.
type State uint8

const (
	SlowStart State = iota
	CongestionAvoidance
	FastRecovery
	Congested
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case SlowStart:
		return "slow_start"
	case CongestionAvoidance:
		return "congestion_avoidance"
	case FastRecovery:
		return "fast_recovery"
	case Congested:
		return "congested"
	default:
		return "unknown"
	}
}

const (
	// MinWindow is the floor of the send window in chunks.
	MinWindow uint32 = 8
	// InitialWindow is the window a fresh controller starts with.
	InitialWindow uint32 = 32
	// MaxWindow is the ceiling of the send window in chunks.
	MaxWindow uint32 = 1024

	// DefaultRTO is returned before the first RTT sample.
	DefaultRTO = 1000 * time.Millisecond
	// MinRTO and MaxRTO clamp the computed retransmission timeout.
	MinRTO = 200 * time.Millisecond
	MaxRTO = 5000 * time.Millisecond

	// congestedEntryLossRate is the loss rate above which a loss during
	// fast recovery drops the controller into the congested state.
	congestedEntryLossRate = 0.10
	// congestedExitLossRate is the loss rate below which the congested
	// state returns to congestion avoidance.
	congestedExitLossRate = 0.01
)

// Controller tracks congestion for one transfer.
type Controller struct {
	state    State
	priority transport.Priority
	ssthresh uint32

	window atomic.Uint32

	// RFC 6298 estimators, microseconds.
	srttMicros   atomic.Int64
	rttvarMicros atomic.Int64

	packetsSent atomic.Uint64
	packetsLost atomic.Uint64
	bytesSent   atomic.Uint64

	startTime time.Time
}

// NewController creates a controller in slow start with the given
// priority.
func NewController(priority transport.Priority) *Controller {
	c := &Controller{
		state:     SlowStart,
		priority:  priority,
		ssthresh:  MaxWindow / 2,
		startTime: time.Now(),
	}
	c.window.Store(InitialWindow)
	return c
}

// UpdateRTT feeds one round-trip sample into the smoothed estimators.
func (c *Controller) UpdateRTT(rtt time.Duration) {
	rttMicros := rtt.Microseconds()

	if c.srttMicros.Load() == 0 {
		c.srttMicros.Store(rttMicros)
		c.rttvarMicros.Store(rttMicros / 2)
		return
	}

	srtt := c.srttMicros.Load()
	rttvar := c.rttvarMicros.Load()

	diff := rttMicros - srtt
	if diff < 0 {
		diff = -diff
	}

	c.rttvarMicros.Store((3*rttvar + diff) / 4)
	c.srttMicros.Store((7*srtt + rttMicros) / 8)
}

// OnAck records a successful acknowledgment and grows the window
// according to the current state. Must be called under the owning
// transfer's lock.
func (c *Controller) OnAck() {
	sent := c.packetsSent.Add(1)
	current := c.window.Load()
	limit := c.growthCap()

	switch c.state {
	case SlowStart:
		// Exponential growth.
		c.window.Store(minUint32(current+1, limit))
		if current >= c.ssthresh {
			c.transition(CongestionAvoidance)
		}

	case CongestionAvoidance:
		// Linear growth: one increment per window of ACKs.
		if sent%uint64(current) == 0 {
			c.window.Store(minUint32(current+1, limit))
		}

	case FastRecovery:
		c.transition(CongestionAvoidance)

	case Congested:
		// Slow recovery: one increment per two windows of ACKs.
		if sent%uint64(current*2) == 0 {
			c.window.Store(minUint32(current+1, limit))
			if c.LossRate() < congestedExitLossRate {
				c.transition(CongestionAvoidance)
			}
		}
	}
}

// OnLoss records a packet loss and shrinks the window according to the
// current state. Must be called under the owning transfer's lock.
func (c *Controller) OnLoss() {
	c.packetsLost.Add(1)
	current := c.window.Load()

	switch c.state {
	case SlowStart, CongestionAvoidance:
		c.ssthresh = maxUint32(current/2, MinWindow)
		c.window.Store(c.ssthresh)
		c.transition(FastRecovery)

	case FastRecovery:
		c.window.Store(maxUint32(current*3/4, MinWindow))
		if c.LossRate() > congestedEntryLossRate {
			c.transition(Congested)
		}

	case Congested:
		c.window.Store(maxUint32(current/2, MinWindow))
	}
}

// RecordSend accounts transmitted payload bytes for throughput readouts.
func (c *Controller) RecordSend(bytes uint64) {
	c.bytesSent.Add(bytes)
}

// WindowSize returns the current send window in chunks. Lock-free.
func (c *Controller) WindowSize() uint32 {
	return c.window.Load()
}

// RetryTimeout returns the current retransmission timeout: srtt +
// 4*rttvar, scaled by the priority's RTO multiplier and clamped to
// [MinRTO, MaxRTO]. Before the first RTT sample it returns DefaultRTO.
// Lock-free.
func (c *Controller) RetryTimeout() time.Duration {
	srtt := c.srttMicros.Load()
	if srtt == 0 {
		return DefaultRTO
	}

	rtoMicros := srtt + 4*c.rttvarMicros.Load()
	rtoMicros = int64(float64(rtoMicros) * c.rtoMultiplier())

	rto := time.Duration(rtoMicros) * time.Microsecond
	if rto < MinRTO {
		rto = MinRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	return rto
}

// CurrentState returns the controller's state.
func (c *Controller) CurrentState() State {
	return c.state
}

// Ssthresh returns the slow-start threshold.
func (c *Controller) Ssthresh() uint32 {
	return c.ssthresh
}

// ThroughputMbps derives megabits per second from bytes recorded via
// RecordSend over the controller's lifetime.
func (c *Controller) ThroughputMbps() float64 {
	seconds := time.Since(c.startTime).Seconds()
	if seconds < 0.001 {
		return 0
	}
	return float64(c.bytesSent.Load()) * 8.0 / (seconds * 1e6)
}

// LossRate returns packets lost over packets acknowledged, or 0 before
// any ACK.
func (c *Controller) LossRate() float64 {
	sent := c.packetsSent.Load()
	if sent == 0 {
		return 0
	}
	return float64(c.packetsLost.Load()) / float64(sent)
}

// AvgRTT returns the smoothed round-trip estimate.
func (c *Controller) AvgRTT() time.Duration {
	return time.Duration(c.srttMicros.Load()) * time.Microsecond
}

func (c *Controller) transition(next State) {
	logrus.WithFields(logrus.Fields{
		"function": "transition",
		"from":     c.state.String(),
		"to":       next.String(),
		"window":   c.window.Load(),
		"priority": c.priority.String(),
	}).Debug("Congestion state transition")
	c.state = next
}

// growthCap is the window ceiling after priority scaling, clamped so the
// window invariant [MinWindow, MaxWindow] always holds. Every multiplier
// is at least 1.0, so the result is MaxWindow for every priority.
func (c *Controller) growthCap() uint32 {
	limit := uint32(float64(MaxWindow) * c.windowMultiplier())
	return minUint32(limit, MaxWindow)
}

func (c *Controller) windowMultiplier() float64 {
	switch c.priority {
	case transport.PriorityCritical:
		return 2.0
	case transport.PriorityHigh:
		return 1.5
	default:
		return 1.0
	}
}

func (c *Controller) rtoMultiplier() float64 {
	switch c.priority {
	case transport.PriorityCritical:
		return 0.5
	case transport.PriorityHigh:
		return 0.75
	default:
		return 1.0
	}
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
