// Package config holds the construction-time constants for the wire
// protocol and timers, plus the advertised protocol version. Each of
// loop/ticker/network/btstream defines its own functional Option type.
package config

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

const (
	// MaxReqLenEncoded bounds the number of decimal digits accepted for the
	// length prefix of a framed message.
	MaxReqLenEncoded = 15

	// MaxReqLen bounds the decoded size, in bytes, of a single bencoded
	// message body.
	MaxReqLen = 1 << 20 // 1 MiB

	// TimerGranularity is the coarsest resolution the Ticker subsystem
	// promises for interval timing.
	TimerGranularity = time.Microsecond

	// DefaultSweepInterval is how often BTRequestStream walks its in-flight
	// list looking for expired deadlines.
	DefaultSweepInterval = 50 * time.Millisecond
)

// ProtocolVersion is the version this implementation of BTRequestStream
// advertises. Peers are gated against it via a semver constraint supplied
// through network.RequirePeerVersion.
var ProtocolVersion = semver.MustParse("1.0.0")
