package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/rfidinv/internal/device"
	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/pkg/reader"
	"github.com/stretchr/testify/suite"
)

// writeConfig stores a YAML config with short timeouts for the fake reader.
func (s *CommandTestSuite) writeConfig() string {
	path := filepath.Join(s.T().TempDir(), "rfidinv.yaml")
	body := `
log_level: warn
reader:
  throttle_interval: 10ms
  response_timeout: 300ms
session:
  stop_interval: 10ms
  reset_delay: 50ms
  stop_observe_timeout: 50ms
`
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (s *CommandTestSuite) answerDeviceInfo() {
	s.replies.set(protocol.CmdGetReaderIdentifier, valueReply(protocol.CmdGetReaderIdentifier, `"RD-0042"`))
	s.replies.set(protocol.CmdGetFirmwareVersion, valueReply(protocol.CmdGetFirmwareVersion, `"3.1.7"`))
	s.replies.set(protocol.CmdGetOutputPower, valueReply(protocol.CmdGetOutputPower, `"27"`))
	s.replies.set(protocol.CmdGetReaderTemperature, valueReply(protocol.CmdGetReaderTemperature, `40`))
	s.replies.set(protocol.CmdGetRFLinkProfile, valueReply(protocol.CmdGetRFLinkProfile, `1`))
}

func (s *CommandTestSuite) TestDeviceInfoJSON() {
	// GOAL: Verify device info queries every field and prints them as JSON
	//
	// TEST SCENARIO: Fake reader answers all queries → JSON matches → device disconnected afterwards

	s.answerDeviceInfo()

	out, _, err := s.ExecuteCommand("device", "info", "--config", s.writeConfig(), "--address", testReaderAddress, "-f", "json")
	s.Require().NoError(err)

	var info reader.Info
	s.Require().NoError(json.Unmarshal([]byte(out), &info))
	s.Equal(reader.Info{
		Identifier:    "RD-0042",
		Firmware:      "3.1.7",
		OutputPower:   27,
		Temperature:   40,
		RFLinkProfile: 1,
	}, info)
	s.False(s.dev.IsConnected(), "MUST disconnect when the command ends")
	s.False(s.char.Monitored(), "MUST release the notification subscription")
}

func (s *CommandTestSuite) TestDeviceInfoPartialFailure() {
	s.answerDeviceInfo()
	s.replies.set(protocol.CmdGetReaderTemperature)

	out, _, err := s.ExecuteCommand("device", "info", "--config", s.writeConfig(), "--address", testReaderAddress)

	s.Require().Error(err)
	s.Contains(FormatUserError(err), "could not query reader: reader did not answer cmd_get_reader_temperature")
	s.Contains(out, "RD-0042", "MUST still print the fields that answered")
}

func (s *CommandTestSuite) TestDeviceInfoHistoryJSON() {
	// GOAL: Verify --history adds the device updates seen while querying
	//
	// TEST SCENARIO: Fake reader answers all queries → JSON carries info plus five ordered updates

	s.answerDeviceInfo()

	out, _, err := s.ExecuteCommand("device", "info", "--history", "--config", s.writeConfig(), "--address", testReaderAddress, "-f", "json")
	s.Require().NoError(err)

	var view struct {
		Info    reader.Info `json:"info"`
		History []struct {
			Seq     uint64 `json:"seq"`
			Field   string `json:"field"`
			Command string `json:"command"`
		} `json:"history"`
		Dropped uint64 `json:"dropped"`
	}
	s.Require().NoError(json.Unmarshal([]byte(out), &view))
	s.Equal(protocol.ReaderIdentifier("RD-0042"), view.Info.Identifier)
	s.Zero(view.Dropped)
	s.Require().Len(view.History, 5, "MUST list one update per answered query")
	s.Equal(protocol.FieldReaderIdentifier, view.History[0].Field)
	s.Equal(string(protocol.CmdGetRFLinkProfile), view.History[4].Command)
}

func (s *CommandTestSuite) TestDeviceInfoHistoryTable() {
	s.answerDeviceInfo()

	out, _, err := s.ExecuteCommand("device", "info", "--history", "--config", s.writeConfig(), "--address", testReaderAddress)
	s.Require().NoError(err)

	s.Contains(out, "Updates (5):")
	s.Contains(out, protocol.FieldFirmwareVersion)
	s.Contains(out, string(protocol.CmdGetReaderTemperature))
}

func (s *CommandTestSuite) TestDevicePowerSet() {
	s.replies.set(protocol.CmdSetOutputPower, "$echo")

	out, _, err := s.ExecuteCommand("device", "power", "25", "--config", s.writeConfig(), "--address", testReaderAddress)

	s.Require().NoError(err)
	s.Equal("Output power: 25 dBm\n", out)
	s.Equal(1, s.replies.count(protocol.CmdSetOutputPower))
}

func (s *CommandTestSuite) TestDeviceProfileGet() {
	s.replies.set(protocol.CmdGetRFLinkProfile, valueReply(protocol.CmdGetRFLinkProfile, `"2"`))

	out, _, err := s.ExecuteCommand("device", "profile", "--config", s.writeConfig(), "--address", testReaderAddress)

	s.Require().NoError(err)
	s.Equal("RF link profile: 2\n", out)
}

func (s *CommandTestSuite) TestDeviceAlert() {
	s.replies.set(protocol.CmdAlertStart, valueReply(protocol.CmdAlertStart, `"ok"`))

	out, _, err := s.ExecuteCommand("device", "alert", "on", "--config", s.writeConfig(), "--address", testReaderAddress)

	s.Require().NoError(err)
	s.Equal("Alert on: \"ok\"\n", out)
}

func (s *CommandTestSuite) TestDeviceArgumentValidation() {
	tests := []struct {
		name string
		args []string
	}{
		{name: "power not a number", args: []string{"device", "power", "loud"}},
		{name: "profile not a number", args: []string{"device", "profile", "x"}},
		{name: "alert state", args: []string{"device", "alert", "maybe"}},
		{name: "alert setting not json", args: []string{"device", "alert-config", "{oops"}},
		{name: "format", args: []string{"device", "info", "-f", "xml"}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)
			_, _, err := s.ExecuteCommand(append(tt.args, "--address", testReaderAddress)...)
			s.Error(err)
			s.Zero(len(s.char.Writes()), "MUST NOT talk to the reader on invalid input")
		})
	}
}

func (s *CommandTestSuite) TestDeviceRequiresAddress() {
	_, _, err := s.ExecuteCommand("device", "info")

	s.ErrorIs(err, ErrNoAddress)
}

func (s *CommandTestSuite) TestDeviceConnectFailure() {
	s.dev.ConnectErr = device.ErrBluetoothOff

	_, _, err := s.ExecuteCommand("device", "info", "--address", testReaderAddress)

	s.Require().Error(err)
	s.Equal("could not connect: Bluetooth is turned off", FormatUserError(err))
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
