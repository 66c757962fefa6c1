package service

import "sync/atomic"

// Connectivity reports whether the runtime believes it is online.
type Connectivity interface {
	Online() bool
}

// OnlineFlag is a Connectivity toggled by whoever observes the network,
// typically the mobile shell through the HTTP API.
type OnlineFlag struct {
	online atomic.Bool
}

// NewOnlineFlag creates a flag with the given initial value.
func NewOnlineFlag(online bool) *OnlineFlag {
	f := &OnlineFlag{}
	f.online.Store(online)
	return f
}

func (f *OnlineFlag) Online() bool {
	return f.online.Load()
}

// SetOnline stores the new value and returns the previous one.
func (f *OnlineFlag) SetOnline(online bool) bool {
	return f.online.Swap(online)
}
