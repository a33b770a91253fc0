package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeTransport scripts a BLE stack. Per-call error slices are consumed in order;
// once exhausted, calls succeed.
type fakeTransport struct {
	mu sync.Mutex

	acquireErrs   []error
	subscribeErrs []error
	link          LinkStatus

	paired       bool
	isPairedErr  error
	unpairResult PairingResult
	unpairErr    error
	pairResult   PairingResult
	pairErr      error

	// findResults holds one result per FindDevices call; the last one repeats
	findResults [][]DeviceRef
	findHook    func(call int)
	findErr     error

	// onLinkRead runs once, after the first LinkStatus read of each service
	onLinkRead func(s *fakeService)

	calls     []string
	acquired  []DeviceRef
	services  []*fakeService
	findCalls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		paired:       true,
		unpairResult: PairingUnpaired,
		pairResult:   PairingPaired,
	}
}

func (f *fakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastService() *fakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.services) == 0 {
		return nil
	}
	return f.services[len(f.services)-1]
}

func (f *fakeTransport) AcquireService(ctx context.Context, device DeviceRef, serviceUUID string) (ServiceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("acquire")
	f.acquired = append(f.acquired, device)

	if len(f.acquireErrs) > 0 {
		err := f.acquireErrs[0]
		f.acquireErrs = f.acquireErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var subscribeErr error
	if len(f.subscribeErrs) > 0 {
		subscribeErr = f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
	}
	service := &fakeService{
		device:   device,
		link:       f.link,
		char:       &fakeCharacteristic{subscribeErr: subscribeErr},
		watchers:   make(map[int]func(LinkStatus)),
		onLinkRead: f.onLinkRead,
	}
	f.services = append(f.services, service)
	return service, nil
}

func (f *fakeTransport) IsPaired(ctx context.Context, device DeviceRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("isPaired")
	return f.paired, f.isPairedErr
}

func (f *fakeTransport) Unpair(ctx context.Context, device DeviceRef) (PairingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unpair")
	return f.unpairResult, f.unpairErr
}

func (f *fakeTransport) Pair(ctx context.Context, device DeviceRef) (PairingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pair")
	return f.pairResult, f.pairErr
}

func (f *fakeTransport) FindDevices(ctx context.Context, serviceUUID string) ([]DeviceRef, error) {
	f.mu.Lock()
	f.record("find")
	call := f.findCalls
	f.findCalls++
	var result []DeviceRef
	if len(f.findResults) > 0 {
		if call < len(f.findResults) {
			result = f.findResults[call]
		} else {
			result = f.findResults[len(f.findResults)-1]
		}
	}
	hook := f.findHook
	err := f.findErr
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

type fakeService struct {
	mu          sync.Mutex
	device      DeviceRef
	link        LinkStatus
	char        *fakeCharacteristic
	watchers    map[int]func(LinkStatus)
	nextWatcher int
	lastWatcher func(LinkStatus)
	onLinkRead  func(s *fakeService)
	closed      bool
}

func (s *fakeService) Characteristic(uuid string) (Characteristic, error) {
	return s.char, nil
}

func (s *fakeService) LinkStatus() LinkStatus {
	s.mu.Lock()
	link := s.link
	hook := s.onLinkRead
	s.onLinkRead = nil
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return link
}

func (s *fakeService) WatchLinkStatus(handler func(LinkStatus)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = handler
	s.lastWatcher = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// setLink changes the link and notifies the active watchers
func (s *fakeService) setLink(link LinkStatus) {
	s.mu.Lock()
	s.link = link
	var handlers []func(LinkStatus)
	for _, h := range s.watchers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(link)
	}
}

func (s *fakeService) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *fakeService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	return nil
}

type fakeCharacteristic struct {
	mu           sync.Mutex
	subscribeErr error
	handler      func(RawNotification)
	lastHandler  func(RawNotification)
	unsubscribed bool
}

func (c *fakeCharacteristic) Subscribe(handler func(RawNotification)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.handler = handler
	c.lastHandler = handler
	return nil
}

func (c *fakeCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.unsubscribed = true
	return nil
}

// push delivers data to the subscribed handler, if any
func (c *fakeCharacteristic) push(data []byte, at time.Time) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(RawNotification{Data: data, Timestamp: at})
	}
}

func (c *fakeCharacteristic) isUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}
