// Package hidsvc tracks hidraw device nodes, keeps a persistent
// registry of everything it has seen, and opens raw transports to
// them. Input reports drained by the background readers are published
// on a bus for event-driven consumers.
package hidsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/hidworks/ratd/internal/configsvc"
	"github.com/hidworks/ratd/pkg/bus"
	"github.com/hidworks/ratd/pkg/hidraw"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type (
	DeviceEventType uint8

	DeviceBusKey struct {
		Type DeviceEventType
		Node string
	}
	DeviceBus = bus.Bus[DeviceBusKey, Device]

	// Report is one raw input report observed on a device node.
	Report struct {
		Node string
		Data []byte
	}
	ReportBus = bus.Bus[string, Report]
)

const (
	DeviceAttached DeviceEventType = iota
	DeviceDetached
)

// Device is a hidraw node plus registry metadata.
type Device struct {
	Node        string    `json:"node"`
	Name        string    `json:"name"`
	BusType     uint32    `json:"busType"`
	Vendor      uint16    `json:"vendor"`
	Product     uint16    `json:"product"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// DeviceInfo is what an enumerator reports about one present node.
type DeviceInfo struct {
	Node    string
	Name    string
	BusType uint32
	Vendor  uint16
	Product uint16
}

// Enumerator lists the hidraw nodes currently present.
type Enumerator interface {
	Devices() ([]DeviceInfo, error)
}

// Config is the watched device-rules file.
type Config struct {
	Devices []Rule `json:"devices"`
}

// Rule selects devices, by node or by vendor/product pair, whose
// unsolicited input should be drained by a background reader.
type Rule struct {
	Node    string `json:"node"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Monitor bool   `json:"monitor"`
}

func (r Rule) matches(dev Device) bool {
	if r.Node != "" {
		return r.Node == dev.Node
	}
	return r.Vendor == dev.Vendor && r.Product == dev.Product
}

var defaultOptions = serviceOptions{
	pollInterval: 1 * time.Second,
}

type serviceOptions struct {
	pollInterval time.Duration
	enumerator   Enumerator
}

type Option func(*serviceOptions)

func WithPollInterval(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.pollInterval = d
	}
}

func WithEnumerator(e Enumerator) Option {
	return func(o *serviceOptions) {
		o.enumerator = e
	}
}

type Service struct {
	log     *zap.Logger
	db      *badger.DB
	config  *configsvc.Service
	now     func() time.Time
	options serviceOptions

	rulesPath string
	rules     *xsync.MapOf[int, Rule]

	ready     chan struct{}
	connected *xsync.MapOf[string, Device]
	monitors  *xsync.MapOf[string, context.CancelFunc]

	deviceBus *DeviceBus
	reportBus *ReportBus
}

func New(db *badger.DB, log *zap.Logger, config *configsvc.Service, rulesPath string, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.enumerator == nil {
		options.enumerator = newEnumerator(log)
	}
	return &Service{
		log:       log,
		db:        db,
		config:    config,
		now:       now,
		options:   options,
		rulesPath: rulesPath,
		rules:     xsync.NewMapOf[int, Rule](),
		ready:     make(chan struct{}),
		connected: xsync.NewMapOf[string, Device](),
		monitors:  xsync.NewMapOf[string, context.CancelFunc](),
		deviceBus: bus.NewBus[DeviceBusKey, Device](log),
		reportBus: bus.NewBus[string, Report](log),
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) DeviceEvents() *DeviceBus {
	return s.deviceBus
}

func (s *Service) Reports() *ReportBus {
	return s.reportBus
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.deviceBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start device bus: %w", err)
	}
	if err := s.reportBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start report bus: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-s.config.Ready():
	}
	cfg, err := configsvc.Register(s.config, s.rulesPath, Config{}, func(cfg Config, err error) {
		s.onConfigChange(ctx, cfg, err)
	})
	if err != nil {
		return fmt.Errorf("failed to register device rules: %w", err)
	}
	s.storeRules(cfg)

	if err := s.refreshDevices(ctx); err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	close(s.ready)
	s.log.Info("HID service started")

	ticker := time.NewTicker(s.options.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.refreshDevices(ctx); err != nil {
				s.log.Error("failed to refresh devices", zap.Error(err))
			}
		}
	}
}

func (s *Service) onConfigChange(ctx context.Context, cfg Config, err error) {
	if err != nil {
		s.log.Error("failed to parse device rules", zap.Error(err))
		return
	}
	s.storeRules(cfg)
	s.connected.Range(func(node string, dev Device) bool {
		s.reconcileMonitor(ctx, dev)
		return true
	})
}

func (s *Service) storeRules(cfg Config) {
	s.rules.Range(func(i int, _ Rule) bool {
		s.rules.Delete(i)
		return true
	})
	for i, rule := range cfg.Devices {
		s.rules.Store(i, rule)
	}
}

func (s *Service) monitored(dev Device) bool {
	monitored := false
	s.rules.Range(func(_ int, rule Rule) bool {
		if rule.matches(dev) {
			monitored = rule.Monitor
			return false
		}
		return true
	})
	return monitored
}

func (s *Service) refreshDevices(ctx context.Context) error {
	infos, err := s.options.enumerator.Devices()
	if err != nil {
		return err
	}
	present := make(map[string]DeviceInfo, len(infos))
	for _, info := range infos {
		present[info.Node] = info
	}

	s.connected.Range(func(node string, dev Device) bool {
		if _, ok := present[node]; !ok {
			s.onDetached(ctx, dev)
			return true
		}
		delete(present, node)
		return true
	})
	for _, info := range present {
		s.onAttached(ctx, info)
	}
	return nil
}

func (s *Service) onAttached(ctx context.Context, info DeviceInfo) {
	dev, err := s.persistDevice(info)
	if err != nil {
		s.log.Error("failed to persist device", zap.String("node", info.Node), zap.Error(err))
		return
	}
	s.log.Debug("device attached",
		zap.String("node", dev.Node),
		zap.String("name", dev.Name),
		zap.Time("firstSeenAt", dev.FirstSeenAt))
	s.connected.Store(dev.Node, dev)
	s.deviceBus.Publish(ctx, DeviceBusKey{Type: DeviceAttached, Node: dev.Node}, dev)
	s.reconcileMonitor(ctx, dev)
}

func (s *Service) onDetached(ctx context.Context, dev Device) {
	s.connected.Delete(dev.Node)
	if cancel, ok := s.monitors.LoadAndDelete(dev.Node); ok {
		cancel()
	}
	s.log.Debug("device detached", zap.String("node", dev.Node))
	s.deviceBus.Publish(ctx, DeviceBusKey{Type: DeviceDetached, Node: dev.Node}, dev)
}

func (s *Service) reconcileMonitor(ctx context.Context, dev Device) {
	want := s.monitored(dev)
	_, running := s.monitors.Load(dev.Node)
	switch {
	case want && !running:
		monCtx, cancel := context.WithCancel(ctx)
		s.monitors.Store(dev.Node, cancel)
		go s.runMonitor(monCtx, dev)
	case !want && running:
		if cancel, ok := s.monitors.LoadAndDelete(dev.Node); ok {
			cancel()
		}
	}
}

// runMonitor holds one transport open with its background reader
// running, streaming every drained report onto the report bus.
func (s *Service) runMonitor(ctx context.Context, dev Device) {
	log := s.log.Named("monitor").With(zap.String("node", dev.Node))
	tr, err := s.Open(ctx, dev.Node)
	if err != nil {
		log.Error("failed to open transport", zap.Error(err))
		s.monitors.Delete(dev.Node)
		return
	}
	defer tr.Close()
	if err := tr.StartReader(); err != nil {
		log.Error("failed to start reader", zap.Error(err))
		return
	}
	log.Info("monitoring device")
	<-ctx.Done()
	tr.StopReader()
	log.Info("monitor stopped")
}

// Open opens a raw transport to a device node. Reports observed on it
// are published on the report bus keyed by the node path.
func (s *Service) Open(ctx context.Context, node string) (*hidraw.Transport, error) {
	return hidraw.Open(node,
		hidraw.WithLogger(s.log.Named("hidraw").With(zap.String("node", node))),
		hidraw.WithReportFunc(func(report []byte) error {
			s.reportBus.Publish(ctx, node, Report{
				Node: node,
				Data: append([]byte(nil), report...),
			})
			return nil
		}),
	)
}

var ErrDeviceNotFound = errors.New("device not found")

func deviceKey(node string) []byte {
	return []byte("hid/devices/" + node)
}

func (s *Service) persistDevice(info DeviceInfo) (Device, error) {
	var dev Device
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(info.Node)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		dev.Node = info.Node
		dev.Name = info.Name
		dev.BusType = info.BusType
		dev.Vendor = info.Vendor
		dev.Product = info.Product
		if dev.FirstSeenAt.IsZero() {
			dev.FirstSeenAt = now
		}
		dev.LastSeenAt = now
		raw, err := json.Marshal(dev)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, raw)
	})
	if err != nil {
		return Device{}, err
	}
	return dev, nil
}

// ListDevices returns every device the registry has ever seen.
func (s *Service) ListDevices() ([]Device, error) {
	var devices []Device
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("hid/devices/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var dev Device
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// GetDevice looks one node up in the registry.
func (s *Service) GetDevice(node string) (Device, error) {
	var dev Device
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceKey(node))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dev)
		})
	})
	if err != nil {
		return Device{}, err
	}
	return dev, nil
}

// IsConnected reports whether the node is currently present.
func (s *Service) IsConnected(node string) bool {
	_, ok := s.connected.Load(node)
	return ok
}
