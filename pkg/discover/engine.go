package discover

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slices"

	"github.com/usblink/usblink/pkg/platform"
	"github.com/usblink/usblink/pkg/pool"
	"github.com/usblink/usblink/pkg/retry"
	"github.com/usblink/usblink/pkg/usb"
)

// State of the notification engine.
type State uint8

const (
	StateStopped State = iota
	StateStarting
	StateMonitoring
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateMonitoring:
		return "monitoring"
	}
	return "stopped"
}

// Config tunes the discovery engine.
type Config struct {
	// DeviceClass is the registry class filter, e.g. "IOUSBDevice"-style
	// class names on registries that support them.
	DeviceClass string
	// ListCacheTTL bounds the age of the device-list snapshot. Zero
	// disables the snapshot entirely.
	ListCacheTTL time.Duration
	// PoolCapacity bounds the matcher pool (pool.DefaultCapacity if zero).
	PoolCapacity int
	// Aggressive selects the harder retry policy for registry operations.
	Aggressive bool
}

// Callback receives connect or disconnect descriptors. Callbacks are invoked
// from the serialized discovery context: they must not block for long and
// must treat themselves as re-entrant with respect to event ordering.
type Callback func(*usb.DeviceDescriptor)

// Engine is the device-discovery engine: serialized enumeration, the
// connect/terminate notification pipeline, and the reconciliation cache.
type Engine struct {
	reg  platform.Registry
	cfg  Config
	loop *loop
	enum *enumerator

	// All fields below are owned by the loop.
	state     State
	connected *connectedCache
	list      *listCache
	port      platform.NotificationPort
	iters     []platform.Iterator
	matcher   platform.Matcher

	onConnect    Callback
	onDisconnect Callback
}

// New builds an engine over a platform registry. Call Close when done.
func New(reg platform.Registry, cfg Config) *Engine {
	policy := retry.DefaultPolicy
	if cfg.Aggressive {
		policy = retry.AggressivePolicy
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = pool.DefaultCapacity
	}
	return &Engine{
		reg:       reg,
		cfg:       cfg,
		loop:      newLoop(),
		enum:      newEnumerator(reg, cfg.PoolCapacity, policy, cfg.DeviceClass),
		connected: newConnectedCache(),
		list:      newListCache(cfg.ListCacheTTL),
	}
}

// SetCallbacks installs the connect/disconnect callbacks. Install before
// StartNotifications; either may be nil.
func (e *Engine) SetCallbacks(onConnect, onDisconnect Callback) {
	e.loop.do(func() {
		e.onConnect = onConnect
		e.onDisconnect = onDisconnect
	})
}

// Close stops notifications and shuts down the discovery worker.
func (e *Engine) Close() error {
	err := e.StopNotifications()
	e.loop.close()
	return err
}

// DiscoverDevices synchronously enumerates all matching attached devices.
// Per-device failures are skipped, not raised. The result is sorted by
// device key and served from the TTL snapshot when fresh.
func (e *Engine) DiscoverDevices() ([]*usb.DeviceDescriptor, error) {
	var out []*usb.DeviceDescriptor
	var err error
	e.loop.do(func() {
		out, err = e.discoverLocked()
	})
	return out, err
}

func (e *Engine) discoverLocked() ([]*usb.DeviceDescriptor, error) {
	if snap := e.list.get(); snap != nil {
		return slices.Clone(snap), nil
	}
	devices, err := e.enum.enumerate()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(devices, func(a, b *usb.DeviceDescriptor) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	e.list.set(devices)
	return slices.Clone(devices), nil
}

// GetDevice looks up one device by identity. Returns nil on empty input, on
// not-found, and on any internal error; lookup never propagates failures.
func (e *Engine) GetDevice(busID, deviceID string) *usb.DeviceDescriptor {
	if busID == "" || deviceID == "" {
		return nil
	}
	key := usb.NewDeviceKey(busID, deviceID)
	var found *usb.DeviceDescriptor
	e.loop.do(func() {
		if d := e.connected.get(key); d != nil {
			found = d
			return
		}
		devices, err := e.discoverLocked()
		if err != nil {
			glog.Warningf("lookup %s: enumeration failed: %v", key, err)
			return
		}
		for _, d := range devices {
			if d.Key() == key {
				found = d
				return
			}
		}
	})
	return found
}

// StartNotifications registers the connect and terminate streams and drains
// already-pending events. Idempotent: a second call while monitoring is a
// no-op.
func (e *Engine) StartNotifications() error {
	var err error
	e.loop.do(func() {
		err = e.startLocked()
	})
	return err
}

func (e *Engine) startLocked() error {
	if e.state == StateMonitoring {
		glog.V(1).Info("notifications already monitoring")
		return nil
	}
	e.state = StateStarting

	// Guarantee a clean slate before registering anything: no leaked port,
	// iterators or cache from an earlier, incomplete stop.
	if err := e.releaseResources(); err != nil {
		glog.Warningf("pre-start cleanup: %v", err)
	}

	fail := func(err error) error {
		if cerr := e.releaseResources(); cerr != nil {
			glog.Warningf("cleanup after failed start: %v", cerr)
		}
		e.state = StateStopped
		return err
	}

	port, err := e.reg.NewNotificationPort()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", usb.ErrNotificationPort, err))
	}
	e.port = port

	m := e.enum.matchers.Get()
	if m == nil {
		return fail(fmt.Errorf("%w: matcher for notifications", usb.ErrMatchingDictionary))
	}
	e.matcher = m
	m.SetDeviceClass(e.cfg.DeviceClass)

	connIt, err := port.Register(platform.EventConnect, m, func(it platform.Iterator) {
		e.loop.post(func() { e.handleConnect(it, true) })
	})
	if err != nil {
		return fail(fmt.Errorf("register connect stream: %w", err))
	}
	e.iters = append(e.iters, connIt)

	termIt, err := port.Register(platform.EventTerminate, m, func(it platform.Iterator) {
		e.loop.post(func() { e.handleDisconnect(it, true) })
	})
	if err != nil {
		return fail(fmt.Errorf("register terminate stream: %w", err))
	}
	e.iters = append(e.iters, termIt)

	// Drain both streams once synchronously: events already pending at
	// registration time would otherwise never fire.
	e.handleConnect(connIt, false)
	e.handleDisconnect(termIt, false)

	e.state = StateMonitoring
	glog.Info("device notifications monitoring")
	return nil
}

// StopNotifications tears the notification pipeline down. Idempotent.
func (e *Engine) StopNotifications() error {
	var err error
	e.loop.do(func() {
		err = e.stopLocked()
	})
	return err
}

func (e *Engine) stopLocked() error {
	if e.state == StateStopped {
		glog.V(1).Info("notifications already stopped")
		return nil
	}
	// Flip the flag first so racing event deliveries are rejected while the
	// pipeline is torn down underneath them.
	e.state = StateStopped

	err := e.releaseResources()
	e.connected.clear()
	e.list.invalidate()

	if e.port != nil || len(e.iters) != 0 || e.state != StateStopped {
		glog.Errorf("notification stop incomplete: port=%v iterators=%d state=%s",
			e.port != nil, len(e.iters), e.state)
	}
	return err
}

// releaseResources drains and releases the registration iterators, destroys
// the port and returns the borrowed matcher. Failures are aggregated, not
// short-circuited: every resource gets its release attempt.
func (e *Engine) releaseResources() error {
	var errs error
	for _, it := range e.iters {
		for entry := it.Next(); entry != nil; entry = it.Next() {
			if rerr := entry.Release(); rerr != nil {
				errs = multierror.Append(errs, rerr)
			}
		}
		if rerr := it.Release(); rerr != nil {
			errs = multierror.Append(errs, rerr)
		}
	}
	e.iters = nil

	if e.port != nil {
		if derr := e.port.Destroy(); derr != nil {
			errs = multierror.Append(errs, derr)
		}
		e.port = nil
	}

	if e.matcher != nil {
		e.enum.matchers.Put(e.matcher)
		e.matcher = nil
	}
	return errs
}

// handleConnect processes one iterator of newly arrived devices. Runs on the
// loop. own says whether this handler must release the iterator (event
// deliveries) or leave it armed (the initial registration drain).
func (e *Engine) handleConnect(it platform.Iterator, own bool) {
	if own {
		scope := &handleScope{}
		scope.track(it)
		defer scope.close()
		if e.state == StateStopped {
			// Stop raced with delivery; drain entries so nothing leaks.
			for entry := it.Next(); entry != nil; entry = it.Next() {
				entry.Release()
			}
			return
		}
	}

	for {
		entry := it.Next()
		if entry == nil {
			return
		}
		e.connectEntry(entry)
	}
}

func (e *Engine) connectEntry(entry platform.Entry) {
	scope := &handleScope{}
	scope.track(entry)
	defer scope.close()

	desc, err := e.enum.extract(entry)
	if desc == nil {
		// Identity underivable; nothing downstream could key off this.
		glog.Warningf("dropping connect event: %v", err)
		return
	}
	if err != nil {
		glog.Warningf("connected device degraded to minimal descriptor: %v", err)
	}

	if !e.connected.insert(desc) {
		glog.V(1).Infof("duplicate connect for %s ignored", desc.Key())
		return
	}
	e.list.invalidate()
	glog.Infof("device connected: %s", desc)
	if e.onConnect != nil {
		e.onConnect(desc)
	}
}

// handleDisconnect processes one iterator of terminated devices, reconciling
// each against the connected cache. Runs on the loop.
func (e *Engine) handleDisconnect(it platform.Iterator, own bool) {
	if own {
		scope := &handleScope{}
		scope.track(it)
		defer scope.close()
		if e.state == StateStopped {
			for entry := it.Next(); entry != nil; entry = it.Next() {
				entry.Release()
			}
			return
		}
	}

	for {
		entry := it.Next()
		if entry == nil {
			return
		}
		e.disconnectEntry(entry)
	}
}

func (e *Engine) disconnectEntry(entry platform.Entry) {
	scope := &handleScope{}
	scope.track(entry)
	defer scope.close()

	// Terminating entries frequently carry only the location identifier;
	// everything else comes from the cache.
	location, err := entry.Uint32(platform.KeyLocationID)
	if err != nil {
		glog.Warningf("dropping disconnect event without location: %v", err)
		return
	}
	busAddress := -1
	if v, err := entry.Uint32(platform.KeyBusAddress); err == nil {
		busAddress = int(v)
	}
	key := usb.KeyFromLocation(location, busAddress)

	desc := e.connected.remove(key)
	if desc == nil {
		// Connected before monitoring began, or the cache was cleared.
		// Downstream must still be informed.
		glog.Warningf("disconnect for unknown device %s, synthesizing minimal descriptor", key)
		desc = usb.MinimalDescriptor(key)
	}
	e.list.invalidate()
	glog.Infof("device disconnected: %s", desc)
	if e.onDisconnect != nil {
		e.onDisconnect(desc)
	}
}

// Stats is a diagnostic snapshot of the engine.
type Stats struct {
	State     State
	Connected int
	Skipped   int
	Matchers  pool.Stats
}

// Stats returns current engine diagnostics.
func (e *Engine) Stats() Stats {
	var s Stats
	e.loop.do(func() {
		s = Stats{
			State:     e.state,
			Connected: e.connected.len(),
			Skipped:   e.enum.skipped,
			Matchers:  e.enum.matchers.Stats(),
		}
	})
	return s
}

// ConnectedKeys returns the keys currently in the connected-device cache, in
// stable order.
func (e *Engine) ConnectedKeys() []usb.DeviceKey {
	var keys []usb.DeviceKey
	e.loop.do(func() {
		keys = e.connected.keys()
	})
	return keys
}
