// Package gattlink is a concrete link.Link built on github.com/currantlabs/ble.
// It plays both roles the core needs: central (connect out,
// write-with-response) and peripheral (advertise a service, notify
// subscribers), with one characteristic per registered actor system.
//
// This package is intentionally thin. Actual radio I/O lives behind
// ble.Device, which is itself platform-specific (HCI sockets on Linux,
// CoreBluetooth via cgo on Darwin) and out of this package's scope. What
// lives here is only the adaptation from ble's request/notify callback shape
// to the core's link.Link interface.
package gattlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/currantlabs/ble"

	"github.com/1amageek/bleu/rpc/link"
)

// DefaultServiceUUID and DefaultCharUUID are placeholder values; production
// deployments should configure their own per actor system.
const (
	DefaultServiceUUID = "0AF53E48-C08D-423A-B2C2-1C797889AF20"
	DefaultCharUUID    = "20F53E48-C08D-423A-B2C2-1C797889AF24"
)

// gattPeripheral adapts one ble.Characteristic's write/notify callbacks to
// the event-channel shape link.Link exposes.
type gattPeripheral struct {
	mu        sync.Mutex
	uuid      ble.UUID
	charUUID  ble.UUID
	service   *ble.Service
	notifiers map[string]chan []byte
	raw       chan link.Event
}

func newGattPeripheral(serviceUUIDStr, charUUIDStr string) (*gattPeripheral, error) {
	svcUUID, err := ble.Parse(serviceUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("gattlink: parse service uuid: %w", err)
	}
	charUUID, err := ble.Parse(charUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("gattlink: parse characteristic uuid: %w", err)
	}

	p := &gattPeripheral{
		uuid:      svcUUID,
		charUUID:  charUUID,
		notifiers: make(map[string]chan []byte),
		raw:       make(chan link.Event, 256),
	}

	svc := ble.NewService(svcUUID)
	char := ble.NewCharacteristic(charUUID)
	char.HandleWrite(ble.WriteHandlerFunc(p.onWrite))
	char.HandleNotify(ble.NotifyHandlerFunc(p.onNotify))
	char.HandleIndicate(ble.NotifyHandlerFunc(p.onNotify))
	svc.AddCharacteristic(char)
	p.service = svc

	return p, nil
}

func (p *gattPeripheral) onWrite(req ble.Request, rsp ble.ResponseWriter) {
	peerID := req.Conn().RemoteAddr().String()
	p.raw <- link.Event{
		Kind:   link.EventBytesReceived,
		PeerID: peerID,
		CharID: p.charUUID.String(),
		Bytes:  req.Data(),
	}
}

func (p *gattPeripheral) onNotify(req ble.Request, n ble.Notifier) {
	peerID := req.Conn().RemoteAddr().String()
	ch := make(chan []byte, 64)
	p.mu.Lock()
	p.notifiers[peerID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.notifiers, peerID)
		p.mu.Unlock()
		p.raw <- link.Event{Kind: link.EventPeerDisconnected, PeerID: peerID, Reason: "notification unsubscribed"}
	}()
	for {
		select {
		case <-n.Context().Done():
			return
		case msg := <-ch:
			if _, err := n.Write(msg); err != nil {
				return
			}
		}
	}
}

// write queues a notification for peerID; it returns an error if nobody has
// subscribed yet or the peer's notify queue is full.
func (p *gattPeripheral) write(peerID string, data []byte) error {
	p.mu.Lock()
	ch, ok := p.notifiers[peerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscriber for peer %s", peerID)
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("notify queue full for peer %s", peerID)
	}
}

// Device is the minimal slice of ble.Device the adapter needs, so tests can
// substitute a fake without pulling in the full HCI stack.
type Device interface {
	AddService(s *ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
}

// PeripheralOptions configures NewPeripheralLink.
type PeripheralOptions struct {
	Device         Device
	AdvertisedName string
	ServiceUUID    string
	CharUUID       string
	MTU            int
}

// PeripheralLink implements link.Link over one advertised GATT
// service/characteristic: the peripheral side of a BLE RPC connection,
// answering with notifications rather than initiating writes.
type PeripheralLink struct {
	device Device
	peer   *gattPeripheral
	mtu    int
}

// NewPeripheralLink advertises the service/characteristic pair described by
// opts and returns a ready link.Link.
func NewPeripheralLink(ctx context.Context, opts PeripheralOptions) (*PeripheralLink, error) {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = DefaultCharUUID
	}
	if opts.MTU == 0 {
		opts.MTU = 512
	}
	p, err := newGattPeripheral(opts.ServiceUUID, opts.CharUUID)
	if err != nil {
		return nil, err
	}
	if err := opts.Device.AddService(p.service); err != nil {
		return nil, fmt.Errorf("gattlink: add service: %w", err)
	}
	go opts.Device.AdvertiseNameAndServices(ctx, opts.AdvertisedName, p.uuid)

	return &PeripheralLink{device: opts.Device, peer: p, mtu: opts.MTU}, nil
}

func (pl *PeripheralLink) Send(ctx context.Context, peerID, charID string, payload []byte) (bool, error) {
	if err := pl.peer.write(peerID, payload); err != nil {
		return false, link.NewError(link.ErrQuotaExceeded, err)
	}
	return true, nil
}

func (pl *PeripheralLink) Events() <-chan link.Event { return pl.peer.raw }

func (pl *PeripheralLink) MTU(peerID string) int { return pl.mtu }

// Acknowledged is always false here: this adapter's notify handler also
// serves indications (HandleIndicate is wired to the same callback), but we
// have no reliable way to tell which transport mode a given central
// negotiated from inside this callback, so reliability.SendResponse always runs its
// own retry loop against this link.
func (pl *PeripheralLink) Acknowledged(peerID string) bool { return false }

func (pl *PeripheralLink) Close() error {
	return pl.device.RemoveAllServices()
}

// CentralLink is the central side of a BLE RPC connection: it writes with
// response to the RPC characteristic and treats the characteristic's
// notifications/indications as inbound bytes.
type CentralLink struct {
	client ble.Client
	charID ble.UUID
	peerID string
	mtu    int
	raw    chan link.Event
	acked  bool
}

// CentralOptions configures NewCentralLink.
type CentralOptions struct {
	Client       ble.Client
	PeerID       string
	CharUUID     string
	MTU          int
	Acknowledged bool // true when CharUUID was subscribed via indication
}

// NewCentralLink wraps an already-connected ble.Client, subscribing to the
// RPC characteristic's notifications and adapting them to link.Events.
func NewCentralLink(opts CentralOptions) (*CentralLink, error) {
	if opts.CharUUID == "" {
		opts.CharUUID = DefaultCharUUID
	}
	if opts.MTU == 0 {
		opts.MTU = 512
	}
	charUUID, err := ble.Parse(opts.CharUUID)
	if err != nil {
		return nil, fmt.Errorf("gattlink: parse characteristic uuid: %w", err)
	}

	cl := &CentralLink{
		client: opts.Client,
		charID: charUUID,
		peerID: opts.PeerID,
		mtu:    opts.MTU,
		raw:    make(chan link.Event, 256),
		acked:  opts.Acknowledged,
	}

	profile, err := opts.Client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("gattlink: discover profile: %w", err)
	}
	for _, s := range profile.Services {
		for _, c := range s.Characteristics {
			if !c.UUID.Equal(charUUID) {
				continue
			}
			onData := func(data []byte) {
				cl.raw <- link.Event{Kind: link.EventBytesReceived, PeerID: cl.peerID, CharID: opts.CharUUID, Bytes: append([]byte(nil), data...)}
			}
			if opts.Acknowledged {
				err = opts.Client.Subscribe(c, true, onData)
			} else {
				err = opts.Client.Subscribe(c, false, onData)
			}
			if err != nil {
				return nil, fmt.Errorf("gattlink: subscribe: %w", err)
			}
		}
	}
	return cl, nil
}

func (cl *CentralLink) Send(ctx context.Context, peerID, charID string, payload []byte) (bool, error) {
	if peerID != cl.peerID {
		return false, link.NewError(link.ErrCharacteristicMissing, fmt.Errorf("unknown peer %s", peerID))
	}
	if err := cl.client.WriteCharacteristic(&ble.Characteristic{UUID: cl.charID}, payload, false); err != nil {
		return false, link.NewError(link.ErrConnectionFailed, err)
	}
	return true, nil
}

func (cl *CentralLink) Events() <-chan link.Event { return cl.raw }

func (cl *CentralLink) MTU(peerID string) int { return cl.mtu }

func (cl *CentralLink) Acknowledged(peerID string) bool { return cl.acked }

func (cl *CentralLink) Close() error {
	return cl.client.CancelConnection()
}
