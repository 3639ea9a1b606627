package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/internal/store"
	"github.com/srg/rfidinv/pkg/config"
)

const inventoryBook = `
room_id: room-12
unit_id: unit-1
assets:
  - id: desk-1
    name: Desk
    rfid: E20000000000000000000A01
    system_quantity: 1
  - id: chair-3
    name: Chair
    rfid: E20000000000000000000A03
    system_quantity: 1
`

func (s *CommandTestSuite) writeBook() string {
	path := filepath.Join(s.T().TempDir(), "room-12.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(inventoryBook), 0o600))
	return path
}

func (s *CommandTestSuite) TestInventoryRun() {
	// GOAL: Verify a timed inventory reconciles the reads, stops the reader and journals the session
	//
	// TEST SCENARIO: Reader streams two tags after start → scan ends after duration → report + journal entry

	s.replies.set(protocol.CmdInventoryStart, fmt.Sprintf(`{"cmd":%q,"tags":["E20000000000000000000A01","E20000000000000000000FFF","junk"]}`, protocol.CmdInventoryStart))
	s.replies.set(protocol.CmdInventoryStop, fmt.Sprintf(`{"cmd":%q}`, protocol.CmdInventoryStop))
	journal := filepath.Join(s.T().TempDir(), "journal.db")

	out, _, err := s.ExecuteCommand("inventory",
		"--config", s.writeConfig(),
		"--address", testReaderAddress,
		"--book", s.writeBook(),
		"--journal", journal,
		"-d", "200ms",
		"-f", "json",
	)
	s.Require().NoError(err)

	var report inventoryReport
	s.Require().NoError(json.Unmarshal([]byte(out), &report))
	rec := report.Session
	s.NotEmpty(rec.ID, "MUST journal the session")
	s.Equal("room-12", rec.RoomID, "MUST take the room from the asset book")
	s.Equal(2, rec.TotalReads)
	s.Equal(1, rec.Summary.Matched)
	s.Equal([]string{"chair-3"}, rec.Summary.MissingAssets)
	s.Equal([]string{"E20000000000000000000FFF"}, rec.Classification.Unknowns)
	s.Len(report.Tags, 2)

	s.Equal(1, s.replies.count(protocol.CmdInventoryStart))
	s.Equal(2, s.replies.count(protocol.CmdInventoryStop), "MUST send the configured stop attempts")
	s.False(s.dev.IsConnected())

	j, err := store.Open(journal, s.helper.Logger)
	s.Require().NoError(err)
	defer j.Close()
	saved, err := j.LoadSession(s.T().Context(), rec.ID)
	s.Require().NoError(err)
	s.Len(saved.Entries, 1)
}

func (s *CommandTestSuite) TestInventoryTableNoJournal() {
	s.replies.set(protocol.CmdInventoryStart, fmt.Sprintf(`{"cmd":%q,"tags":["E20000000000000000000A03"]}`, protocol.CmdInventoryStart))
	journal := filepath.Join(s.T().TempDir(), "journal.db")

	out, _, err := s.ExecuteCommand("inventory",
		"--config", s.writeConfig(),
		"--address", testReaderAddress,
		"--book", s.writeBook(),
		"--journal", journal,
		"--no-journal",
		"-d", "150ms",
	)
	s.Require().NoError(err)

	s.Contains(out, "Inventory room-12 (unit unit-1)")
	s.Contains(out, "missing: desk-1")
	s.Contains(out, "chair-3")
	s.NotContains(out, "Session:", "MUST NOT report a journal id when journaling is off")
	_, statErr := os.Stat(journal)
	s.True(os.IsNotExist(statErr), "MUST NOT create the journal")
}

func (s *CommandTestSuite) TestInventoryStartFailure() {
	s.char.FailWrites(fmt.Errorf("gatt: busy"))

	_, _, err := s.ExecuteCommand("inventory", "--config", s.writeConfig(), "--address", testReaderAddress, "-d", "50ms", "--no-journal")

	s.Require().Error(err)
	s.Equal("could not start scan: the reader rejected the command (gatt: busy)", FormatUserError(err))
}

func (s *CommandTestSuite) TestHaltTimeoutCoversEscalation() {
	cfg := config.DefaultConfig()

	got := haltTimeout(cfg)

	minimum := time.Duration(cfg.Session.StopAttempts+cfg.Session.ForceStopAttempts)*cfg.Session.StopInterval + cfg.Session.StopObserveTimeout
	s.Greater(got, minimum)
}
