package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/rfidinv/internal/device"
	"github.com/srg/rfidinv/internal/discover"
	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testReaderAddress = "00:00:00:00:00:01"

// CommandTestSuite runs rfidinv commands against a fake reader.
type CommandTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	conn    *testutils.FakeConnection
	char    *testutils.FakeCharacteristic
	dev     *testutils.FakeDevice
	replies *replyTable

	origNewDevice  func(string, *logrus.Logger) device.Device
	origNewScanner func(*logrus.Logger) *discover.Scanner
}

func (s *CommandTestSuite) SetupSuite() {
	s.origNewDevice = newDevice
	s.origNewScanner = newScanner
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	newDevice = s.origNewDevice
	newScanner = s.origNewScanner
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.conn, s.char = testutils.NewReaderConnection()
	s.dev = &testutils.FakeDevice{Addr: testReaderAddress, Conn: s.conn}
	s.replies = &replyTable{byCmd: map[protocol.CommandName][]string{}}
	s.char.SetResponder(s.replies.respond)

	newDevice = func(address string, _ *logrus.Logger) device.Device {
		s.dev.Addr = address
		return s.dev
	}
	resetFlags(rootCmd)
	appConfig = nil
}

// ExecuteCommand runs rootCmd with args and returns stdout and stderr separately.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// resetFlags restores every flag to its default so one test's flags never leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// replyTable answers written commands with canned notification bodies.
// "$echo" is replaced by the written value.
type replyTable struct {
	mu    sync.Mutex
	byCmd map[protocol.CommandName][]string
	seen  []protocol.CommandName
}

func (t *replyTable) set(cmd protocol.CommandName, bodies ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCmd[cmd] = bodies
}

func (t *replyTable) respond(written []byte) [][]byte {
	var c struct {
		Name  protocol.CommandName `json:"command"`
		Value json.RawMessage      `json:"value"`
	}
	if err := json.Unmarshal(written, &c); err != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, c.Name)

	var out [][]byte
	for _, body := range t.byCmd[c.Name] {
		if body == "$echo" {
			body = fmt.Sprintf(`{"cmd":%q,"value":%s}`, c.Name, c.Value)
		}
		out = append(out, []byte(body))
	}
	return out
}

func (t *replyTable) count(cmd protocol.CommandName) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.seen {
		if c == cmd {
			n++
		}
	}
	return n
}

func valueReply(cmd protocol.CommandName, value string) string {
	return fmt.Sprintf(`{"cmd":%q,"value":%s}`, cmd, value)
}
