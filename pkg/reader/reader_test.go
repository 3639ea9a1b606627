package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srg/rfidinv/internal/assetbook"
	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/internal/reconcile"
	"github.com/srg/rfidinv/internal/session"
	"github.com/srg/rfidinv/internal/testutils"
	"github.com/srg/rfidinv/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	tagDesk  = "E20000000000000000000A01"
	tagDrill = "E20000000000000000000A02"
	tagStray = "E20000000000000000000FFF"
)

// fakeReader answers written commands the way reader firmware does.
type fakeReader struct {
	mu      sync.Mutex
	answers map[protocol.CommandName]string
	seen    []protocol.CommandName
}

func (f *fakeReader) respond(written []byte) [][]byte {
	var cmd struct {
		Name  protocol.CommandName `json:"command"`
		Value json.RawMessage      `json:"value"`
	}
	if err := json.Unmarshal(written, &cmd); err != nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cmd.Name)

	value, ok := f.answers[cmd.Name]
	if !ok {
		return nil
	}
	if value == "$echo" {
		value = string(cmd.Value)
	}
	return [][]byte{[]byte(fmt.Sprintf(`{"cmd":%q,"value":%s}`, cmd.Name, value))}
}

func (f *fakeReader) count(name protocol.CommandName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.seen {
		if c == name {
			n++
		}
	}
	return n
}

type ReaderTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	conn   *testutils.FakeConnection
	char   *testutils.FakeCharacteristic
	fake   *fakeReader
	index  *assetbook.Index
	engine *reconcile.Engine
	reader *Reader

	errMu sync.Mutex
	errs  []error
}

func (s *ReaderTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.conn, s.char = testutils.NewReaderConnection()
	s.fake = &fakeReader{answers: map[protocol.CommandName]string{
		protocol.CmdGetReaderIdentifier:  `"RD-0042"`,
		protocol.CmdGetFirmwareVersion:   `"3.1.7"`,
		protocol.CmdGetOutputPower:       `"27"`,
		protocol.CmdSetOutputPower:       "$echo",
		protocol.CmdGetReaderTemperature: `41.5`,
		protocol.CmdGetRFLinkProfile:     `1`,
		protocol.CmdSetRFLinkProfile:     "$echo",
		protocol.CmdAlertStart:           `"ok"`,
		protocol.CmdSettingAlert:         "$echo",
	}}
	s.char.SetResponder(s.fake.respond)

	s.index = assetbook.New(s.helper.Logger)
	s.index.Load([]reconcile.Asset{
		{ID: "desk-1", Name: "Desk", RFID: tagDesk, Type: reconcile.AssetFixed, SystemQuantity: 1, RoomID: "room-1"},
		{ID: "drill-7", Name: "Drill", RFID: tagDrill, Type: reconcile.AssetTool, SystemQuantity: 1, RoomID: "room-1"},
		{ID: "chair-3", Name: "Chair", RFID: "E20000000000000000000A03", Type: reconcile.AssetFixed, SystemQuantity: 1, RoomID: "room-1"},
	})
	s.engine = reconcile.NewEngine(s.index, nil, reconcile.Options{RoomID: "room-1", UnitID: "unit-1"}, s.helper.Logger, nil)

	s.errs = nil
	s.reader = New(s.conn, s.engine, s.options(), s.helper.Logger, nil)
	s.Require().NoError(s.reader.Open(context.Background()))
}

func (s *ReaderTestSuite) TearDownTest() {
	_ = s.reader.Close()
}

func (s *ReaderTestSuite) options() Options {
	return Options{
		ThrottleInterval: 10 * time.Millisecond,
		Session: session.Options{
			StopAttempts:      2,
			StopInterval:      10 * time.Millisecond,
			ResetDelay:        200 * time.Millisecond,
			ForceStopAttempts: 3,
		},
		ResponseTimeout: 300 * time.Millisecond,
		OnError: func(err error) {
			s.errMu.Lock()
			defer s.errMu.Unlock()
			s.errs = append(s.errs, err)
		},
	}
}

func (s *ReaderTestSuite) reported() []error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *ReaderTestSuite) notifyTags(cmd protocol.CommandName, tags ...string) {
	body, err := json.Marshal(protocol.Response{Cmd: cmd, Tags: tags})
	s.Require().NoError(err)
	s.Require().True(s.char.Notify(body), "MUST have an active notification monitor")
}

func (s *ReaderTestSuite) TestDeviceQueries() {
	// GOAL: Verify every query writes its command and returns the typed echo
	//
	// TEST SCENARIO: Fake firmware answers each command → typed values come back → device state holds them

	ctx := context.Background()

	id, err := s.reader.Identify(ctx)
	s.Require().NoError(err)
	s.Equal(protocol.ReaderIdentifier("RD-0042"), id)

	fw, err := s.reader.FirmwareVersion(ctx)
	s.Require().NoError(err)
	s.Equal(protocol.FirmwareVersion("3.1.7"), fw)

	power, err := s.reader.OutputPower(ctx)
	s.Require().NoError(err)
	s.Equal(protocol.OutputPower(27), power, "MUST accept numeric strings")

	temp, err := s.reader.Temperature(ctx)
	s.Require().NoError(err)
	s.InDelta(41.5, float64(temp), 0.001)

	set, err := s.reader.SetOutputPower(ctx, 30)
	s.Require().NoError(err)
	s.Equal(protocol.OutputPower(30), set)

	profile, err := s.reader.SetRFLinkProfile(ctx, 3)
	s.Require().NoError(err)
	s.Equal(protocol.RFLinkProfile(3), profile)

	latest, ok := s.reader.DeviceState().Latest(protocol.FieldOutputPower)
	s.Require().True(ok)
	s.Equal(protocol.OutputPower(30), latest.Value, "MUST keep the latest value per field")
}

func (s *ReaderTestSuite) TestAlertCommands() {
	ack, err := s.reader.Alert(context.Background(), true)
	s.Require().NoError(err)
	s.JSONEq(`"ok"`, string(ack))

	setting, err := s.reader.ConfigureAlert(context.Background(), map[string]int{"duration": 2})
	s.Require().NoError(err)
	s.JSONEq(`{"duration":2}`, string(setting))
}

func (s *ReaderTestSuite) TestQueryTimeout() {
	// GOAL: Verify an unanswered command fails with a typed timeout instead of hanging
	//
	// TEST SCENARIO: Firmware ignores alert stop → ResponseTimeoutError after the configured timeout

	start := time.Now()
	_, err := s.reader.Alert(context.Background(), false)

	var timeout *ResponseTimeoutError
	s.Require().ErrorAs(err, &timeout)
	s.Equal(protocol.CmdAlertStop, timeout.Command)
	s.GreaterOrEqual(time.Since(start), 250*time.Millisecond)
}

func (s *ReaderTestSuite) TestQueryCallerCancel() {
	s.fake.mu.Lock()
	delete(s.fake.answers, protocol.CmdGetReaderTemperature)
	s.fake.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.reader.Temperature(ctx)

	s.ErrorIs(err, context.DeadlineExceeded)
	var timeout *ResponseTimeoutError
	s.False(errors.As(err, &timeout), "MUST report the caller's own deadline as-is")
}

func (s *ReaderTestSuite) TestQueryRequiresOpen() {
	r := New(s.conn, nil, s.options(), s.helper.Logger, nil)

	_, err := r.Identify(context.Background())

	s.ErrorIs(err, ErrNotOpen)
}

func (s *ReaderTestSuite) TestDeviceInfoJoinsFailures() {
	s.fake.mu.Lock()
	delete(s.fake.answers, protocol.CmdGetReaderTemperature)
	s.fake.mu.Unlock()

	info, err := s.reader.DeviceInfo(context.Background())

	var timeout *ResponseTimeoutError
	s.Require().ErrorAs(err, &timeout)
	s.Equal(protocol.CmdGetReaderTemperature, timeout.Command)
	s.Equal(protocol.ReaderIdentifier("RD-0042"), info.Identifier, "MUST keep fields that answered")
	s.Equal(protocol.RFLinkProfile(1), info.RFLinkProfile)
	s.Zero(info.Temperature)
}

func (s *ReaderTestSuite) TestDeviceHistoryDrainsUpdates() {
	// GOAL: Verify device updates are kept in arrival order and handed out once
	//
	// TEST SCENARIO: Query all info → history lists five fields in order → second drain is empty

	_, err := s.reader.DeviceInfo(context.Background())
	s.Require().NoError(err)

	updates, dropped := s.reader.DeviceHistory()
	s.Zero(dropped)
	s.Require().Len(updates, 5)
	fields := make([]string, 0, len(updates))
	for i, u := range updates {
		fields = append(fields, u.Field)
		if i > 0 {
			s.Greater(u.Seq, updates[i-1].Seq, "MUST keep updates in arrival order")
		}
	}
	s.Equal([]string{
		protocol.FieldReaderIdentifier,
		protocol.FieldFirmwareVersion,
		protocol.FieldOutputPower,
		protocol.FieldTemperature,
		protocol.FieldRFLinkProfile,
	}, fields)

	again, _ := s.reader.DeviceHistory()
	s.Empty(again, "MUST hand out each update once")
}

func (s *ReaderTestSuite) TestInventoryRoundTrip() {
	// GOAL: Verify tags flow from notifications into reconciliation and stop is retried
	//
	// TEST SCENARIO: Start → tags arrive → stop twice with echo → results match the book

	ctx := context.Background()
	s.Require().NoError(s.reader.StartInventory(ctx))
	s.Equal(session.Scanning, s.reader.SessionState())

	s.notifyTags(protocol.CmdInventoryStart, tagDesk, tagDrill)
	s.notifyTags(protocol.CmdInventoryStart, tagDesk, "bogus", tagStray)

	s.Require().True(testutils.Eventually(s.T(), time.Second, func() bool {
		return s.engine.Snapshot().TotalReads == 4
	}), "MUST dispatch every valid read")

	done, err := s.reader.StopInventory(ctx)
	s.Require().NoError(err)
	s.notifyTags(protocol.CmdInventoryStop, tagDrill)
	<-done

	s.Equal(session.Idle, s.reader.SessionState())
	s.Len(s.reader.StopAttempts(), 2, "MUST send every stop attempt")
	s.Require().True(testutils.Eventually(s.T(), time.Second, func() bool {
		return s.reader.session.Acknowledged()
	}), "MUST observe the stop echo")

	snap := s.engine.Snapshot()
	s.Equal(1, snap.InvalidReads)
	desk, ok := snap.Entry("desk-1")
	s.Require().True(ok)
	s.Equal(reconcile.StatusMatched, desk.Status)
	s.Equal(1, desk.Quantity)
	_, ok = snap.Entry("drill-7")
	s.True(ok)
	s.Equal([]string{tagStray}, snap.Classification.Unknowns)

	sum := s.engine.Summarize()
	s.Equal(2, sum.Matched)
	s.Equal([]string{"chair-3"}, sum.MissingAssets)
	s.False(s.reader.LastTagAt().IsZero())
}

func (s *ReaderTestSuite) TestHaltEscalatesWhenTagsKeepComing() {
	ctx := context.Background()
	s.Require().NoError(s.reader.StartInventory(ctx))

	go func() {
		time.Sleep(80 * time.Millisecond)
		s.notifyTags(protocol.CmdInventoryStart, tagDesk)
	}()

	escalated, err := s.reader.Halt(ctx, 150*time.Millisecond)

	s.Require().NoError(err)
	s.True(escalated, "MUST force stop when reads continue after stop")
	s.Equal(2+3, s.fake.count(protocol.CmdInventoryStop), "MUST follow the regular stop with the forced attempts")
}

func (s *ReaderTestSuite) TestHaltQuietReader() {
	ctx := context.Background()
	s.Require().NoError(s.reader.StartInventory(ctx))

	escalated, err := s.reader.Halt(ctx, 50*time.Millisecond)

	s.Require().NoError(err)
	s.False(escalated)
	s.Equal(2, s.fake.count(protocol.CmdInventoryStop))
}

func (s *ReaderTestSuite) TestStartResetsPreviousCounts() {
	ctx := context.Background()
	s.Require().NoError(s.reader.StartInventory(ctx))
	s.notifyTags(protocol.CmdInventoryStart, tagDesk)
	s.Require().True(testutils.Eventually(s.T(), time.Second, func() bool {
		return s.engine.Snapshot().TotalReads == 1
	}))
	_, err := s.reader.Halt(ctx, 0)
	s.Require().NoError(err)

	s.Require().NoError(s.reader.StartInventory(ctx))

	snap := s.engine.Snapshot()
	s.Zero(snap.TotalReads, "MUST clear the tag counter for the new session")
	_, ok := snap.Entry("desk-1")
	s.True(ok, "MUST keep reconciliation results across sessions")
}

func (s *ReaderTestSuite) TestConnectionLossReported() {
	s.conn.Drop(errors.New("peer gone"))

	s.Require().True(testutils.Eventually(s.T(), time.Second, func() bool {
		return len(s.reported()) > 0
	}), "MUST report link loss")
	s.False(s.reader.Subscribed())
	s.ErrorIs(s.reader.StartInventory(context.Background()), session.ErrNotConnected)
}

func (s *ReaderTestSuite) TestCloseIsIdempotent() {
	s.Require().NoError(s.reader.Close())
	s.Require().NoError(s.reader.Close())
	s.False(s.char.Monitored())
}

// stallingClassifier holds every request until released.
type stallingClassifier struct {
	entered chan struct{}
	release chan struct{}
}

func (c *stallingClassifier) Classify(ctx context.Context, tags []string, _, _ string) (*reconcile.ClassificationResult, error) {
	c.entered <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return reconcile.NewClassificationResult(), nil
}

func (s *ReaderTestSuite) TestSlowClassificationDoesNotStallResponses() {
	// GOAL: Verify a classification request in progress never holds up device responses
	//
	// TEST SCENARIO: Classifier stalls on a stray tag → output power query still answers in time

	s.Require().NoError(s.reader.Close())
	classifier := &stallingClassifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s.engine = reconcile.NewEngine(s.index, classifier, reconcile.Options{RoomID: "room-1"}, s.helper.Logger, nil)
	s.reader = New(s.conn, s.engine, s.options(), s.helper.Logger, nil)
	s.Require().NoError(s.reader.Open(context.Background()))

	s.notifyTags(protocol.CmdInventoryStart, tagStray)
	select {
	case <-classifier.entered:
	case <-time.After(time.Second):
		s.FailNow("classifier was never called")
	}

	power, err := s.reader.OutputPower(context.Background())
	s.Require().NoError(err, "MUST answer device queries while classification is pending")
	s.Equal(protocol.OutputPower(27), power)
	s.Equal(1, s.engine.Snapshot().Pending)

	close(classifier.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(s.engine.Drain(ctx))
	s.Equal([]string{tagStray}, s.engine.Snapshot().Classification.Unknowns)
}

func (s *ReaderTestSuite) TestReassemblesSplitResponses() {
	// GOAL: Verify reassembly mode requested explicitly is kept, with the default buffer size
	//
	// TEST SCENARIO: Firmware splits each response over two notifications → query still answers

	s.Require().NoError(s.reader.Close())
	s.char.SetResponder(func(written []byte) [][]byte {
		var out [][]byte
		for _, r := range s.fake.respond(written) {
			half := len(r) / 2
			out = append(out, r[:half], r[half:])
		}
		return out
	})
	opts := s.options()
	opts.Dispatch.Reassemble = true
	s.reader = New(s.conn, s.engine, opts, s.helper.Logger, nil)
	s.Require().NoError(s.reader.Open(context.Background()))

	id, err := s.reader.Identify(context.Background())

	s.Require().NoError(err)
	s.Equal(protocol.ReaderIdentifier("RD-0042"), id)
	s.Empty(s.reported(), "MUST NOT treat the halves as malformed frames")
}

func TestReaderTestSuite(t *testing.T) {
	suite.Run(t, new(ReaderTestSuite))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reader.ServiceUUID = "svc"
	cfg.Session.StopAttempts = 4

	opts := OptionsFromConfig(cfg)

	if opts.Transport.ServiceUUID != "svc" || opts.Session.StopAttempts != 4 {
		t.Fatalf("options not mapped: %+v", opts)
	}
	if opts.Dispatch.Reassemble || opts.ResponseTimeout != cfg.Reader.ResponseTimeout {
		t.Fatalf("reader defaults not mapped: %+v", opts)
	}
}

func TestTagTapKeepsLatestReceipt(t *testing.T) {
	// GOAL: Verify the last-tag time is the transport receipt time, never moved backwards
	//
	// TEST SCENARIO: Tags received at t2, then a batch received earlier at t1 is dispatched → last stays t2

	tap := &tagTap{now: time.Now}
	t1 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	tap.OnTagsReceived([]string{tagDesk}, t2)
	tap.OnTagsReceived([]string{tagDrill}, t1)

	if got := tap.lastAt(); !got.Equal(t2) {
		t.Fatalf("last tag at %v, want %v", got, t2)
	}
}
