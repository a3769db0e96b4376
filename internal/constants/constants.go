// Package constants holds shared defaults for the IO-MUX and GANG daemons.
package constants

import "time"

// Wire protocol limits (see internal/wire).
const (
	// MaxPayload is the largest payload a single framed message may carry.
	// Exceeding it on receive is a protocol violation (fatal for that endpoint).
	MaxPayload = 64 * 1024

	// TaskReaderCapacity is the circular buffer capacity backing each
	// TaskReader: 4x MaxPayload per spec.md's TaskReader.cbuf sizing.
	TaskReaderCapacity = 4 * MaxPayload
)

// IO-MUX defaults.
const (
	// DefaultNIn is the default incoming buffer pool cardinality.
	DefaultNIn = 64

	// DefaultNOut is the default outgoing buffer pool cardinality.
	DefaultNOut = 64

	// DefaultStdioMaxMsgCache bounds the replay cache fed to late-attaching clients.
	DefaultStdioMaxMsgCache = 32

	// DefaultBufferedStdio enables line-mode framing of task output by default.
	DefaultBufferedStdio = true
)

// GANG defaults.
const (
	// DefaultTimesliceSecs is how often the timeslicer rotates each partition's
	// job list and rebuilds active rows.
	DefaultTimesliceSecs = 30 * time.Second

	// TimeslicerShutdownGrace bounds the cooperative-shutdown wait before
	// Shutdown logs the timeslicer as unresponsive and returns.
	TimeslicerShutdownGrace = 5 * time.Second
)

// Debug-assertion magic tags, one per registrant class so a corrupted
// registrant never gets mistaken for one of another type. spec.md's Open
// Question flags the source's two type-identical magics (TASK_IN_MAGIC /
// TASK_OUT_MAGIC both 0x10103) as probably a copy-paste bug; here every
// registrant class gets a distinct value instead.
const (
	MagicTaskWriter uint32 = 0x10103
	MagicTaskReader uint32 = 0x10105
	MagicClient     uint32 = 0x10107
)
