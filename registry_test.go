package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubChannel struct{ addr string }

func (s *stubChannel) Open() error  { return nil }
func (s *stubChannel) Close() error { return nil }
func (s *stubChannel) Read(size int, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (s *stubChannel) ReadLine(eol []byte, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (s *stubChannel) RawRead(maxsize int, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (s *stubChannel) Write(msg []byte, timeout time.Duration) error { return nil }
func (s *stubChannel) WriteRead(msg []byte, synchro WriteSynchro, size int, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (s *stubChannel) WriteReadLine(msg []byte, synchro WriteSynchro, eol []byte, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (s *stubChannel) WriteReadLines(msg []byte, n int, synchro WriteSynchro, eol []byte, timeout time.Duration) ([][]byte, error) {
	return nil, nil
}
func (s *stubChannel) Flush() error { return nil }
func (s *stubChannel) Addr() string { return s.addr }

func TestRegistry(t *testing.T) {
	require := require.New(t)

	before := NumChannels()

	a := &stubChannel{addr: "a:1"}
	b := &stubChannel{addr: "b:2"}
	idA := Register(a)
	idB := Register(b)
	require.NotEqual(idA, idB)
	require.Equal(before+2, NumChannels())

	seen := map[string]bool{}
	EachChannel(func(ch Channel) bool {
		seen[ch.Addr()] = true
		return true
	})
	require.True(seen["a:1"])
	require.True(seen["b:2"])

	Unregister(idA)
	require.Equal(before+1, NumChannels())
	Unregister(idB)
	require.Equal(before, NumChannels())
}

func TestChanSynchro(t *testing.T) {
	require := require.New(t)

	s := NewChanSynchro()

	select {
	case <-s.Done():
		t.Fatal("synchro fired before notify")
	default:
	}

	// Notify never blocks, even when nobody consumed the previous one.
	s.Notify()
	s.Notify()
	s.Notify()

	select {
	case <-s.Done():
	default:
		t.Fatal("synchro did not fire")
	}

	require.NotNil(s.Done())
}
