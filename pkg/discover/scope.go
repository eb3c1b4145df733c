// Package discover implements the device-discovery engine: registry
// enumeration with typed property extraction, the connect/terminate
// notification pipeline with its reconciliation cache, and the serialized
// worker all discovery runs on.
package discover

import (
	"github.com/golang/glog"

	"github.com/usblink/usblink/pkg/platform"
)

// handleScope owns a set of borrowed registry handles and releases them all,
// in reverse acquisition order, exactly once. Every handle acquisition in
// this package goes through a scope; releasing on the defer path is what
// keeps handles balanced on every exit, errors included.
type handleScope struct {
	handles []platform.Handle
	closed  bool
}

// track takes ownership of h. A nil handle is ignored so acquisition results
// can be tracked unconditionally.
func (s *handleScope) track(h platform.Handle) {
	if h == nil {
		return
	}
	s.handles = append(s.handles, h)
}

// detach removes h from the scope, transferring ownership back to the
// caller.
func (s *handleScope) detach(h platform.Handle) {
	for i, have := range s.handles {
		if have == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			return
		}
	}
}

// close releases all tracked handles. Safe to call more than once; only the
// first call releases. Release failures are logged, not propagated: by the
// time a scope closes the operation's outcome is already decided.
func (s *handleScope) close() {
	if s.closed {
		return
	}
	s.closed = true
	for i := len(s.handles) - 1; i >= 0; i-- {
		if err := s.handles[i].Release(); err != nil {
			glog.Warningf("handle release failed: %v", err)
		}
	}
	s.handles = nil
}
