package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type fakeTransport struct {
	mu         sync.Mutex
	subscribed bool
	failures   []error
	writes     []protocol.CommandName
	delay      time.Duration
}

func (t *fakeTransport) Write(_ context.Context, frame protocol.Frame) error {
	resp, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	delay := t.delay
	t.writes = append(t.writes, resp.Cmd)
	var failure error
	if len(t.failures) > 0 {
		failure = t.failures[0]
		t.failures = t.failures[1:]
	}
	t.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return failure
}

func (t *fakeTransport) Subscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed
}

func (t *fakeTransport) count(cmd protocol.CommandName) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, w := range t.writes {
		if w == cmd {
			n++
		}
	}
	return n
}

type countingResetter struct {
	mu sync.Mutex
	n  int
}

func (r *countingResetter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
}

func (r *countingResetter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type SessionTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *fakeTransport
	startRst  *countingResetter
	drainRst  *countingResetter
	ctrl      *Controller
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = &fakeTransport{subscribed: true}
	s.startRst = &countingResetter{}
	s.drainRst = &countingResetter{}
	s.ctrl = s.newController(Options{StopAttempts: 2, StopInterval: 10 * time.Millisecond, ResetDelay: 30 * time.Millisecond})
}

func (s *SessionTestSuite) TearDownTest() {
	s.ctrl.Close()
}

func (s *SessionTestSuite) newController(opts Options) *Controller {
	return New(s.transport, opts, []Resetter{s.startRst}, []Resetter{s.drainRst}, s.helper.Logger, nil)
}

func (s *SessionTestSuite) waitDone(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("stop sequence did not finish")
	}
}

func (s *SessionTestSuite) TestStartSendsCommandAndResets() {
	s.Require().NoError(s.ctrl.Start(context.Background()))

	s.Equal(Scanning, s.ctrl.State())
	s.Equal(1, s.transport.count(protocol.CmdInventoryStart))
	s.Equal(1, s.startRst.calls(), "MUST reset per-session state on start")
}

func (s *SessionTestSuite) TestStartRequiresSubscription() {
	s.transport.subscribed = false

	err := s.ctrl.Start(context.Background())

	s.ErrorIs(err, ErrNotConnected)
	s.Equal(Idle, s.ctrl.State())
	s.Zero(s.transport.count(protocol.CmdInventoryStart), "MUST NOT write without a subscription")
}

func (s *SessionTestSuite) TestStartTwiceFails() {
	s.Require().NoError(s.ctrl.Start(context.Background()))
	s.ErrorIs(s.ctrl.Start(context.Background()), ErrAlreadyRunning)
	s.Equal(1, s.transport.count(protocol.CmdInventoryStart))
}

func (s *SessionTestSuite) TestStartWriteFailureReturnsToIdle() {
	s.transport.failures = []error{errors.New("gatt busy")}

	err := s.ctrl.Start(context.Background())

	s.ErrorContains(err, "gatt busy")
	s.Equal(Idle, s.ctrl.State(), "MUST allow another start after a failed one")
}

func (s *SessionTestSuite) TestStopFromIdleFails() {
	_, err := s.ctrl.Stop(context.Background())
	s.ErrorIs(err, ErrNotRunning)
}

func (s *SessionTestSuite) TestStopSendsConfiguredAttempts() {
	// GOAL: Verify a stop sends the stop command the configured number of times and returns to Idle
	//
	// TEST SCENARIO: Start → Stop → 2 stop writes → Idle → delayed reset runs once

	s.Require().NoError(s.ctrl.Start(context.Background()))
	done, err := s.ctrl.Stop(context.Background())
	s.Require().NoError(err)
	s.Equal(Stopping, s.ctrl.State())

	s.waitDone(done)

	s.Equal(Idle, s.ctrl.State())
	s.Equal(2, s.transport.count(protocol.CmdInventoryStop))
	s.Len(s.ctrl.Attempts(), 2)
	s.Zero(s.drainRst.calls(), "MUST delay the post-stop reset")
	testutils.Eventually(s.T(), time.Second, func() bool { return s.drainRst.calls() == 1 }, "MUST run the post-stop reset")
}

func (s *SessionTestSuite) TestStopRetryContinuesAfterFailedWrite() {
	// GOAL: Verify a failed stop write does not abort the sequence
	//
	// TEST SCENARIO: First stop write fails, second succeeds → both attempts recorded

	s.Require().NoError(s.ctrl.Start(context.Background()))
	s.transport.mu.Lock()
	s.transport.failures = []error{errors.New("write timeout"), nil}
	s.transport.mu.Unlock()

	done, err := s.ctrl.Stop(context.Background())
	s.Require().NoError(err)
	s.waitDone(done)

	attempts := s.ctrl.Attempts()
	s.Require().Len(attempts, 2, "MUST record both attempts")
	s.EqualError(attempts[0].Err, "write timeout")
	s.NoError(attempts[1].Err)
	s.Equal(2, s.transport.count(protocol.CmdInventoryStop))
	s.Equal(Idle, s.ctrl.State())
}

func (s *SessionTestSuite) TestStopIsIdempotent() {
	// GOAL: Verify a second Stop joins the running sequence instead of starting another
	//
	// TEST SCENARIO: Stop twice during a slow sequence → same done channel, attempt count never exceeded

	s.Require().NoError(s.ctrl.Start(context.Background()))
	s.transport.mu.Lock()
	s.transport.delay = 20 * time.Millisecond
	s.transport.mu.Unlock()

	first, err := s.ctrl.Stop(context.Background())
	s.Require().NoError(err)
	second, err := s.ctrl.Stop(context.Background())
	s.Require().NoError(err)

	s.Equal(first, second, "MUST join the in-flight stop")
	s.waitDone(first)
	s.Equal(2, s.transport.count(protocol.CmdInventoryStop), "MUST NOT exceed the configured attempts")
}

func (s *SessionTestSuite) TestStopSurvivesCancelledContext() {
	s.Require().NoError(s.ctrl.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done, err := s.ctrl.Stop(ctx)
	s.Require().NoError(err)
	s.waitDone(done)
	s.Equal(2, s.transport.count(protocol.CmdInventoryStop))
}

func (s *SessionTestSuite) TestForceStopUsesCallerAttempts() {
	s.Require().NoError(s.ctrl.Start(context.Background()))

	done, err := s.ctrl.ForceStop(context.Background(), 3)
	s.Require().NoError(err)
	s.waitDone(done)

	s.Equal(3, s.transport.count(protocol.CmdInventoryStop))
	s.Len(s.ctrl.Attempts(), 3)
}

func (s *SessionTestSuite) TestForceStopDuringStopJoinsAndWarns() {
	// GOAL: Verify a force stop issued mid-sequence joins it and reports the attempts it dropped
	//
	// TEST SCENARIO: Slow regular stop running → ForceStop(5) → same channel, 2 writes, one warning

	hook := logtest.NewLocal(s.helper.Logger)
	s.Require().NoError(s.ctrl.Start(context.Background()))
	s.transport.mu.Lock()
	s.transport.delay = 20 * time.Millisecond
	s.transport.mu.Unlock()

	regular, err := s.ctrl.Stop(context.Background())
	s.Require().NoError(err)
	forced, err := s.ctrl.ForceStop(context.Background(), 5)
	s.Require().NoError(err)

	s.Equal(regular, forced, "MUST join the running sequence")
	s.waitDone(forced)
	s.Equal(2, s.transport.count(protocol.CmdInventoryStop), "MUST NOT add the forced attempts")

	var warned *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.HasPrefix(e.Message, "Force stop joined") {
			warned = e
		}
	}
	s.Require().NotNil(warned, "MUST warn that forced attempts were dropped")
	s.Equal(5, warned.Data["requested"])
	s.Equal(2, warned.Data["running"])
}

func (s *SessionTestSuite) TestForceStopFromIdleEscalates() {
	done, err := s.ctrl.ForceStop(context.Background(), 0)
	s.Require().NoError(err)
	s.waitDone(done)

	s.Equal(DefaultOptions().ForceStopAttempts, s.transport.count(protocol.CmdInventoryStop))
	s.Equal(Idle, s.ctrl.State())
}

func (s *SessionTestSuite) TestRestartBeforeDelayedResetSkipsStaleReset() {
	// GOAL: Verify the delayed reset of an old session never wipes a new session's data
	//
	// TEST SCENARIO: Stop → immediately Start again → stale reset must not fire

	ctrl := s.newController(Options{StopAttempts: 1, ResetDelay: 50 * time.Millisecond})
	defer ctrl.Close()

	s.Require().NoError(ctrl.Start(context.Background()))
	done, err := ctrl.Stop(context.Background())
	s.Require().NoError(err)
	s.waitDone(done)
	s.Require().NoError(ctrl.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	s.Zero(s.drainRst.calls(), "MUST skip the reset scheduled by the previous session")
	s.Equal(Scanning, ctrl.State())
}

func (s *SessionTestSuite) TestStopAcknowledgement() {
	s.Require().NoError(s.ctrl.Start(context.Background()))
	s.False(s.ctrl.Acknowledged())

	s.ctrl.OnStopAcknowledged()
	s.True(s.ctrl.Acknowledged())

	s.Require().NoError(func() error {
		done, err := s.ctrl.Stop(context.Background())
		if err == nil {
			s.waitDone(done)
		}
		return err
	}())
}

func (s *SessionTestSuite) TestStateStrings() {
	s.Equal("idle", Idle.String())
	s.Equal("scanning", Scanning.String())
	s.Equal("stopping", Stopping.String())
	s.Equal("state(9)", State(9).String())
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
