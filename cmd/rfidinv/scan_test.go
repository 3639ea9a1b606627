package main

import (
	"context"
	"encoding/json"
	"errors"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/discover"
	"github.com/srg/rfidinv/internal/testutils"
)

func (s *CommandTestSuite) useAdvertisements(advs ...testutils.FakeAdvertisement) {
	newScanner = func(logger *logrus.Logger) *discover.Scanner {
		return discover.New(testutils.ReplayAdvertisements(advs...), logger)
	}
}

func (s *CommandTestSuite) nearbyDevices() []testutils.FakeAdvertisement {
	return []testutils.FakeAdvertisement{
		{Address: "aa:bb:cc:00:00:01", Name: "RFID-1", Signal: -65, ServiceUUIDs: []string{testutils.ReaderServiceUUID}},
		{Address: "aa:bb:cc:00:00:02", Name: "Headset", Signal: -45, ServiceUUIDs: []string{"110b"}},
	}
}

func (s *CommandTestSuite) TestScanListsReaders() {
	// GOAL: Verify scan lists only devices advertising the reader service
	//
	// TEST SCENARIO: Reader + headset advertise → table shows the reader only

	s.useAdvertisements(s.nearbyDevices()...)

	out, _, err := s.ExecuteCommand("scan", "--config", s.writeConfig(), "-d", "30ms")
	s.Require().NoError(err)

	s.Contains(out, "ADDRESS")
	s.Contains(out, "AA:BB:CC:00:00:01")
	s.Contains(out, "RFID-1")
	s.NotContains(out, "Headset", "MUST filter out devices without the reader service")
}

func (s *CommandTestSuite) TestScanAllJSON() {
	s.useAdvertisements(s.nearbyDevices()...)

	out, _, err := s.ExecuteCommand("scan", "--config", s.writeConfig(), "-d", "30ms", "--all", "-f", "json")
	s.Require().NoError(err)

	var found []discover.Found
	s.Require().NoError(json.Unmarshal([]byte(out), &found))
	s.Require().Len(found, 2, "MUST list every device with --all")
	s.Equal("AA:BB:CC:00:00:02", found[0].Address, "MUST list the strongest signal first")
}

func (s *CommandTestSuite) TestScanNothingFound() {
	s.useAdvertisements()

	out, _, err := s.ExecuteCommand("scan", "--config", s.writeConfig(), "-d", "20ms")

	s.Require().NoError(err)
	s.Contains(out, "No readers found")
}

func (s *CommandTestSuite) TestScanStackFailure() {
	newScanner = func(logger *logrus.Logger) *discover.Scanner {
		return discover.New(func(context.Context, bool, blelib.AdvHandler) error {
			return errors.New("hci0: no such device")
		}, logger)
	}

	_, _, err := s.ExecuteCommand("scan", "--config", s.writeConfig(), "-d", "20ms")

	s.Require().Error(err)
	s.Contains(FormatUserError(err), "could not discover readers")
}

func (s *CommandTestSuite) TestScanRejectsFormat() {
	_, _, err := s.ExecuteCommand("scan", "--config", s.writeConfig(), "-f", "csv")

	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format")
}
