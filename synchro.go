package comm

// WriteSynchro is notified by the combined write/read operations exactly when
// the request bytes have left the wire, before the response read begins.
// Callers use it to start a parallel action (for example a timing
// measurement) aligned with the write.
type WriteSynchro interface {
	Notify()
}

// ChanSynchro is a channel-backed WriteSynchro. Notify performs a
// non-blocking send, so a slow consumer never stalls the write/read exchange.
type ChanSynchro struct {
	ch chan struct{}
}

// NewChanSynchro returns a ChanSynchro with a buffer of one notification.
func NewChanSynchro() *ChanSynchro {
	return &ChanSynchro{ch: make(chan struct{}, 1)}
}

func (s *ChanSynchro) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Done returns the channel signaled by Notify.
func (s *ChanSynchro) Done() <-chan struct{} { return s.ch }
