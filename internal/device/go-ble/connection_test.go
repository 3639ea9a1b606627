package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	readerService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	readerChar    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

type writeCall struct {
	data  []byte
	noRsp bool
}

type fakeGATTClient struct {
	mu          sync.Mutex
	writes      []writeCall
	writeErr    error
	writeBlock  chan struct{}
	subscribed  map[bool]ble.NotificationHandler
	unsubCalls  int
	cancelCalls int
}

func newFakeGATTClient() *fakeGATTClient {
	return &fakeGATTClient{subscribed: map[bool]ble.NotificationHandler{}}
}

func (f *fakeGATTClient) WriteCharacteristic(_ *ble.Characteristic, value []byte, noRsp bool) error {
	if f.writeBlock != nil {
		<-f.writeBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{data: append([]byte(nil), value...), noRsp: noRsp})
	return f.writeErr
}

func (f *fakeGATTClient) Subscribe(_ *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[ind] = h
	return nil
}

func (f *fakeGATTClient) Unsubscribe(_ *ble.Characteristic, ind bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, ind)
	f.unsubCalls++
	return nil
}

func (f *fakeGATTClient) CancelConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeGATTClient) handler(ind bool) ble.NotificationHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[ind]
}

type ConnectionTestSuite struct {
	suite.Suite
	client *fakeGATTClient
	conn   *BLEConnection
}

func (s *ConnectionTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.client = newFakeGATTClient()
	s.conn = NewBLEConnection(logger)
	s.attachProfile(ble.CharWrite | ble.CharNotify)
}

func (s *ConnectionTestSuite) attachProfile(props ble.Property) {
	profile := &ble.Profile{Services: []*ble.Service{{
		UUID: ble.MustParse(readerService),
		Characteristics: []*ble.Characteristic{{
			UUID:     ble.MustParse(readerChar),
			Property: props,
		}},
	}}}
	s.conn.connMutex.Lock()
	s.conn.attach(context.Background(), s.client, profile)
	s.conn.connMutex.Unlock()
}

func (s *ConnectionTestSuite) readerCharacteristic() device.Characteristic {
	char, err := s.conn.GetCharacteristic(readerService, readerChar)
	s.Require().NoError(err)
	return char
}

func (s *ConnectionTestSuite) TestLookupNormalizesUUIDs() {
	// GOAL: Verify dashed, upper-case and normalized UUIDs all resolve the same characteristic
	//
	// TEST SCENARIO: Look up the reader characteristic with three spellings → same UUID

	for _, svc := range []string{readerService, "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"} {
		char, err := s.conn.GetCharacteristic(svc, readerChar)
		s.Require().NoError(err, "MUST resolve characteristic for service spelling %q", svc)
		s.Equal("6e400002b5a3f393e0a9e50e24dcca9e", char.UUID())
	}
	s.Len(s.conn.Services(), 1)
}

func (s *ConnectionTestSuite) TestLookupMissing() {
	_, err := s.conn.GetService("180d")
	s.True(device.IsNotFound(err, "service"), "MUST report missing service as NotFoundError")

	_, err = s.conn.GetCharacteristic(readerService, "6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	s.True(device.IsNotFound(err, "characteristic"), "MUST report missing characteristic as NotFoundError")
}

func (s *ConnectionTestSuite) TestWriteWithResponse() {
	// GOAL: Verify a write-with-response reaches the GATT client as a request, not a command
	//
	// TEST SCENARIO: Write bytes with response → client sees noRsp=false and the same bytes

	err := s.readerCharacteristic().Write([]byte(`{"command":"x"}`), true, time.Second)
	s.Require().NoError(err)

	s.Require().Len(s.client.writes, 1)
	s.False(s.client.writes[0].noRsp, "MUST request a write response")
	s.Equal(`{"command":"x"}`, string(s.client.writes[0].data))
}

func (s *ConnectionTestSuite) TestWriteErrorIsNormalized() {
	s.client.writeErr = errors.New("device not connected")

	err := s.readerCharacteristic().Write([]byte("a"), true, time.Second)
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrNotConnected, "MUST map stack error to ErrNotConnected")
}

func (s *ConnectionTestSuite) TestWriteTimeout() {
	s.client.writeBlock = make(chan struct{})
	defer close(s.client.writeBlock)

	err := s.readerCharacteristic().Write([]byte("a"), true, 20*time.Millisecond)
	s.ErrorIs(err, device.ErrTimeout, "MUST time out a stalled write")
}

func (s *ConnectionTestSuite) TestMonitorCopiesValuesAndCancelsOnce() {
	// GOAL: Verify Monitor hands out private copies and unsubscribes exactly once
	//
	// TEST SCENARIO: Notify, mutate the source buffer, cancel twice → handler copy intact, one unsubscribe

	var got [][]byte
	cancel, err := s.readerCharacteristic().Monitor(func(data []byte) {
		got = append(got, data)
	})
	s.Require().NoError(err)

	h := s.client.handler(false)
	s.Require().NotNil(h, "MUST subscribe with notifications when notify is supported")

	src := []byte("abc")
	h(src)
	src[0] = 'z'

	s.Require().NoError(cancel())
	s.Require().NoError(cancel())

	s.Equal([][]byte{[]byte("abc")}, got, "MUST deliver a copy of the notification value")
	s.Equal(1, s.client.unsubCalls, "MUST unsubscribe only once")
}

func (s *ConnectionTestSuite) TestMonitorFallsBackToIndicate() {
	s.attachProfile(ble.CharWrite | ble.CharIndicate)

	_, err := s.readerCharacteristic().Monitor(func([]byte) {})
	s.Require().NoError(err)
	s.NotNil(s.client.handler(true), "MUST subscribe with indications when notify is missing")
}

func (s *ConnectionTestSuite) TestMonitorUnsupported() {
	s.attachProfile(ble.CharWrite)

	_, err := s.readerCharacteristic().Monitor(func([]byte) {})
	s.ErrorIs(err, device.ErrUnsupported)
}

func (s *ConnectionTestSuite) TestDisconnect() {
	// GOAL: Verify Disconnect cancels the connection context and blocks further writes
	//
	// TEST SCENARIO: Disconnect → context done with ErrNotConnected cause → write fails with ErrNotConnected

	char := s.readerCharacteristic()
	ctx := s.conn.ConnectionContext()

	s.Require().NoError(s.conn.Disconnect())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		s.Fail("MUST cancel the connection context on disconnect")
	}
	s.ErrorIs(context.Cause(ctx), device.ErrNotConnected)
	s.False(s.conn.IsConnected())
	s.Equal(1, s.client.cancelCalls)

	s.ErrorIs(char.Write([]byte("a"), true, time.Second), device.ErrNotConnected)
	s.NoError(s.conn.Disconnect(), "MUST tolerate a second disconnect")
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect error
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, NormalizeError(tt.err), tt.expect)
		})
	}

	other := errors.New("boom")
	require.Equal(t, other, NormalizeError(other), "MUST pass unknown errors through untouched")
	require.NoError(t, NormalizeError(nil))
}
