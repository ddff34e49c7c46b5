package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/device"
	"github.com/srg/focusd/internal/eventloop"
)

// DefaultQueueSize bounds pending radio operations.
const DefaultQueueSize = 64

// ErrNoSuchCharacteristic is reported by WriteCharacteristic when the
// connected profile lacks the requested service/characteristic pair.
var ErrNoSuchCharacteristic = errors.New("no such characteristic")

// link is one (possibly still dialing) peripheral connection.
type link struct {
	ctx     context.Context
	cancel  context.CancelFunc
	client  ble.Client
	profile *ble.Profile
}

// Radio implements device.Radio on top of go-ble.
//
// Operations run in submission order on a single worker goroutine, so a write
// queued before a disconnect reaches the peripheral first. Scanning runs on its
// own goroutine. Every callback is handed to post, normally the owning event
// loop's dispatcher.
type Radio struct {
	post    func(func())
	factory func() (ble.Device, error)
	logger  *logrus.Entry

	ops  chan func()
	stop chan struct{}
	once sync.Once

	mu         sync.Mutex
	dev        ble.Device
	scanCancel context.CancelFunc
	links      map[string]*link
}

// NewRadio starts the operation worker. A nil factory selects the platform's
// default HCI device.
func NewRadio(ctx context.Context, post func(func()), factory func() (ble.Device, error), logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	if factory == nil {
		factory = DeviceFactory
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}

	r := &Radio{
		post:    post,
		factory: factory,
		logger:  logger.WithField("component", "radio"),
		ops:     make(chan func(), DefaultQueueSize),
		stop:    make(chan struct{}),
		links:   make(map[string]*link),
	}
	eventloop.Go(ctx, "ble-radio", r.work)
	return r
}

func (r *Radio) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-r.stop:
			r.shutdown()
			return
		case op := <-r.ops:
			op()
		}
	}
}

func (r *Radio) enqueue(op func()) {
	select {
	case r.ops <- op:
	case <-r.stop:
		r.logger.Debug("Radio closed, dropping operation")
	}
}

// Close stops the worker and releases the device. Idempotent.
func (r *Radio) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Radio) shutdown() {
	r.StopScan()

	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*link)
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()

	for _, l := range links {
		l.cancel()
		if l.client != nil {
			_ = l.client.CancelConnection()
		}
	}
	if dev != nil {
		if err := dev.Stop(); err != nil {
			r.logger.WithError(err).Debug("Failed to stop device")
		}
	}
}

// Init creates the HCI device and makes it the go-ble default.
func (r *Radio) Init(onReady func(), onError func(error)) {
	r.enqueue(func() {
		r.mu.Lock()
		dev := r.dev
		r.mu.Unlock()
		if dev != nil {
			r.post(onReady)
			return
		}

		dev, err := r.factory()
		if err != nil {
			err = NormalizeError(err)
			r.logger.WithError(err).Error("Failed to create BLE device")
			r.post(func() { onError(err) })
			return
		}
		ble.SetDefaultDevice(dev)

		r.mu.Lock()
		r.dev = dev
		r.mu.Unlock()

		r.logger.Debug("BLE device ready")
		r.post(onReady)
	})
}

// Deinit stops scanning, drops every link and stops the device.
func (r *Radio) Deinit(onDone func()) {
	r.enqueue(func() {
		r.shutdown()
		r.logger.Debug("BLE device released")
		r.post(onDone)
	})
}

// Scan starts a duplicate-reporting scan, replacing any running one.
func (r *Radio) Scan(serviceIDs []string, onName device.NameHandler, onManufacturer device.ManufacturerHandler) {
	r.StopScan()

	r.mu.Lock()
	dev := r.dev
	if dev == nil {
		r.mu.Unlock()
		r.logger.Warn("Scan requested before the device was initialized")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.scanCancel = cancel
	r.mu.Unlock()

	handler := func(adv ble.Advertisement) {
		if !advertises(adv, serviceIDs) {
			return
		}
		address := adv.Addr().String()
		name := adv.LocalName()
		if md := adv.ManufacturerData(); len(md) > 0 {
			data := append([]byte(nil), md...)
			rssi := adv.RSSI()
			r.post(func() { onManufacturer(address, name, rssi, data) })
			return
		}
		r.post(func() { onName(address, name) })
	}

	eventloop.Go(ctx, "ble-scan", func(ctx context.Context) {
		r.logger.WithField("services", serviceIDs).Debug("Scanning")
		err := dev.Scan(ctx, true, handler)
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			r.logger.WithError(NormalizeError(err)).Warn("Scan stopped")
		}
	})
}

// StopScan cancels a running scan, if any.
func (r *Radio) StopScan() {
	r.mu.Lock()
	cancel := r.scanCancel
	r.scanCancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ConnectAndEnumerate dials address, discovers its profile and reports every
// service/characteristic pair. A pending dial to the same address is canceled.
func (r *Radio) ConnectAndEnumerate(address string, onFound device.CharacteristicHandler, onLost func(address string)) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{ctx: ctx, cancel: cancel}

	r.mu.Lock()
	prev := r.links[address]
	r.links[address] = l
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	r.enqueue(func() {
		if prev != nil && prev.client != nil {
			_ = prev.client.CancelConnection()
		}
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		dev := r.dev
		r.mu.Unlock()
		if dev == nil {
			r.logger.WithField("address", address).Warn("Connect requested before the device was initialized")
			return
		}

		log := r.logger.WithField("address", address)
		log.Debug("Dialing")
		client, err := dev.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			log.WithError(NormalizeError(err)).Warn("Failed to connect")
			return
		}

		profile, err := client.DiscoverProfile(true)
		if err != nil {
			log.WithError(err).Warn("Failed to discover profile")
			_ = client.CancelConnection()
			return
		}

		r.mu.Lock()
		current := r.links[address] == l && ctx.Err() == nil
		if current {
			l.client = client
			l.profile = profile
		}
		r.mu.Unlock()
		if !current {
			log.Debug("Connection superseded, dropping it")
			_ = client.CancelConnection()
			return
		}

		found := 0
		for _, svc := range profile.Services {
			serviceID := svc.UUID.String()
			for _, c := range svc.Characteristics {
				charID := c.UUID.String()
				found++
				r.post(func() { onFound(address, serviceID, charID) })
			}
		}
		log.WithFields(logrus.Fields{
			"services":        len(profile.Services),
			"characteristics": found,
		}).Info("Connected")

		r.watch(address, l, client, onLost)
	})
}

// watch reports an unrequested link drop. Clients without a Disconnected
// channel are never reported.
func (r *Radio) watch(address string, l *link, client ble.Client, onLost func(string)) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		r.logger.Debug("Client does not report disconnections")
		return
	}

	eventloop.Go(l.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
		case <-ctx.Done():
			return
		}

		r.mu.Lock()
		current := r.links[address] == l
		if current {
			delete(r.links, address)
		}
		r.mu.Unlock()
		l.cancel()

		if current {
			r.logger.WithField("address", address).Warn("Link lost")
			r.post(func() { onLost(address) })
		}
	})
}

// Disconnect drops the link to address after every operation queued before it.
// A dial still in flight is canceled at once.
func (r *Radio) Disconnect(address string, onDone func(address string)) {
	r.mu.Lock()
	l := r.links[address]
	dialing := l != nil && l.client == nil
	if dialing {
		delete(r.links, address)
	}
	r.mu.Unlock()
	if dialing {
		l.cancel()
	}

	r.enqueue(func() {
		if l != nil {
			r.mu.Lock()
			if r.links[address] == l {
				delete(r.links, address)
			}
			client := l.client
			r.mu.Unlock()
			l.cancel()

			if client != nil {
				if err := client.CancelConnection(); err != nil {
					r.logger.WithError(err).WithField("address", address).Warn("Disconnected with errors")
				}
			}
		}
		r.logger.WithField("address", address).Debug("Disconnected")
		r.post(func() { onDone(address) })
	})
}

// WriteCharacteristic writes data with response.
func (r *Radio) WriteCharacteristic(address, serviceID, charID string, data []byte, onDone func(error)) {
	payload := append([]byte(nil), data...)
	r.enqueue(func() {
		err := r.write(address, serviceID, charID, payload)
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"address":   address,
				"char_uuid": charID,
			}).Warn("Write failed")
		}
		r.post(func() { onDone(err) })
	})
}

func (r *Radio) write(address, serviceID, charID string, data []byte) error {
	r.mu.Lock()
	l := r.links[address]
	var client ble.Client
	var profile *ble.Profile
	if l != nil {
		client, profile = l.client, l.profile
	}
	r.mu.Unlock()

	if client == nil {
		return device.ErrNotConnected
	}
	c := findCharacteristic(profile, serviceID, charID)
	if c == nil {
		return fmt.Errorf("%w: %s/%s", ErrNoSuchCharacteristic, serviceID, charID)
	}
	return NormalizeError(client.WriteCharacteristic(c, data, false))
}

func findCharacteristic(profile *ble.Profile, serviceID, charID string) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	for _, svc := range profile.Services {
		if !device.EqualUUID(svc.UUID.String(), serviceID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.EqualUUID(c.UUID.String(), charID) {
				return c
			}
		}
	}
	return nil
}

// advertises reports whether adv lists any of serviceIDs. An empty filter
// accepts everything.
func advertises(adv ble.Advertisement, serviceIDs []string) bool {
	if len(serviceIDs) == 0 {
		return true
	}
	for _, u := range adv.Services() {
		for _, want := range serviceIDs {
			if device.EqualUUID(u.String(), want) {
				return true
			}
		}
	}
	return false
}
