package comm

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// The registry keeps track of every live channel in the process so that
// diagnostic tooling can enumerate open communication links. Channels
// register themselves at construction time and unregister on teardown.

var (
	registry   = xsync.NewMapOf[uint64, Channel]()
	registryID atomic.Uint64
)

// Register adds a channel to the process-wide registry and returns a token
// to pass to Unregister.
func Register(ch Channel) uint64 {
	id := registryID.Add(1)
	registry.Store(id, ch)

	return id
}

// Unregister removes the channel registered under the given token.
func Unregister(id uint64) {
	registry.Delete(id)
}

// EachChannel calls fn for every registered channel. Iteration stops when fn
// returns false.
func EachChannel(fn func(ch Channel) bool) {
	registry.Range(func(_ uint64, ch Channel) bool {
		return fn(ch)
	})
}

// NumChannels returns the number of registered channels.
func NumChannels() int {
	return registry.Size()
}
