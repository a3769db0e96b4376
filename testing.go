package slurm

import (
	"golang.org/x/sys/unix"

	"github.com/pdesr/slurm/internal/external"
)

// MockJobSource and MockSuspendSignaler re-export the collaborator test
// doubles from internal/external at the root package, since gang_test.go
// and iomux_test.go build Scheduler/Coordinator values directly and want
// the same call-tracking mocks used throughout this repo's test doubles.
type (
	MockJobSource       = external.StaticJobSource
	MockSuspendSignaler = external.LoggingSuspendSignaler
	MockCoreCounter     = external.StaticCoreCounter
	MockTopology        = external.StaticTopology
)

var NewMockJobSource = external.NewStaticJobSource
var NewMockCoreCounter = external.NewStaticCoreCounter

// MockSocketPair creates a connected pair of nonblocking Unix domain
// socket fds, for tests that drive Coordinator.AttachClient without a
// real client process. The caller owns both fds and must close whichever
// one AttachClient did not take ownership of.
func MockSocketPair() (a, b int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// MockPipe creates a nonblocking pipe, for tests that drive
// Coordinator.AttachTask without a real child process.
func MockPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
