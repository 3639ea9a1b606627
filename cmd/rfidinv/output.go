package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/rfidinv/internal/dispatch"
	"github.com/srg/rfidinv/internal/reconcile"
	"github.com/srg/rfidinv/internal/store"
	"github.com/srg/rfidinv/pkg/reader"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, formatTable, formatJSON)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusColors = map[reconcile.Status]*color.Color{
	reconcile.StatusMatched: color.New(color.FgGreen),
	reconcile.StatusMissing: color.New(color.FgRed),
	reconcile.StatusExcess:  color.New(color.FgYellow),
}

func colorStatus(s reconcile.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

type inventoryReport struct {
	Session store.SessionRecord  `json:"session"`
	Tags    []reconcile.TagCount `json:"tags"`
}

func printInventory(w io.Writer, format string, rec store.SessionRecord, snap reconcile.Snapshot) error {
	if format == formatJSON {
		return writeJSON(w, inventoryReport{Session: rec, Tags: snap.Tags})
	}

	bold := color.New(color.Bold)
	bold.Fprintf(w, "Inventory %s", orDash(rec.RoomID))
	if rec.UnitID != "" {
		fmt.Fprintf(w, " (unit %s)", rec.UnitID)
	}
	fmt.Fprintln(w)
	if rec.ID != "" {
		fmt.Fprintf(w, "Session:  %s\n", rec.ID)
	}
	fmt.Fprintf(w, "Duration: %s\n", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "Reads:    %d (%d unique, %d invalid)\n\n", snap.TotalReads, len(snap.Tags), snap.InvalidReads)

	printSummary(w, rec.Summary)

	if len(rec.Entries) > 0 {
		fmt.Fprintln(w)
		printEntries(w, rec.Entries)
	}

	printClassification(w, rec.Classification)
	return nil
}

func printSummary(w io.Writer, sum reconcile.Summary) {
	fmt.Fprintf(w, "%s %d   %s %d   %s %d\n",
		colorStatus(reconcile.StatusMatched), sum.Matched,
		colorStatus(reconcile.StatusMissing), sum.Missing,
		colorStatus(reconcile.StatusExcess), sum.Excess)
	fmt.Fprintf(w, "neighbors %d   other rooms %d   unknown %d\n", sum.Neighbors, sum.OtherRooms, sum.Unknowns)
	if len(sum.MissingAssets) > 0 {
		fmt.Fprintf(w, "missing: %s\n", strings.Join(sum.MissingAssets, ", "))
	}
}

func printEntries(w io.Writer, entries []reconcile.ResultEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tTYPE\tQTY\tBOOK\tSTATUS\tMETHOD")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.AssetID, e.AssetType, e.Quantity, e.SystemQuantity, colorStatus(e.Status), e.ScanMethod)
	}
	_ = tw.Flush()
}

func printClassification(w io.Writer, c reconcile.Classified) {
	section := func(title string, assets []reconcile.Asset) {
		if len(assets) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s:\n", title)
		for _, a := range assets {
			fmt.Fprintf(w, "  %s  %s  %s (room %s)\n", a.RFID, a.ID, a.Name, orDash(a.RoomID))
		}
	}
	section("Neighbor rooms", c.Neighbors)
	section("Other rooms", c.OtherRooms)
	if len(c.Unknowns) > 0 {
		fmt.Fprintf(w, "\nUnknown tags:\n")
		for _, t := range c.Unknowns {
			fmt.Fprintf(w, "  %s\n", t)
		}
	}
}

func printSessions(w io.Writer, format string, recs []store.SessionRecord) error {
	if format == formatJSON {
		if recs == nil {
			recs = []store.SessionRecord{}
		}
		return writeJSON(w, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROOM\tFINISHED\tREADS\tMATCHED\tMISSING\tEXCESS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, orDash(r.RoomID), r.FinishedAt.Local().Format(time.DateTime),
			r.TotalReads, r.Summary.Matched, r.Summary.Missing, r.Summary.Excess)
	}
	return tw.Flush()
}

func printSession(w io.Writer, format string, rec store.SessionRecord) error {
	if format == formatJSON {
		return writeJSON(w, rec)
	}
	color.New(color.Bold).Fprintf(w, "Session %s\n", rec.ID)
	fmt.Fprintf(w, "Room:     %s\n", orDash(rec.RoomID))
	fmt.Fprintf(w, "Unit:     %s\n", orDash(rec.UnitID))
	fmt.Fprintf(w, "Started:  %s\n", rec.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Finished: %s\n", rec.FinishedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Reads:    %d\n\n", rec.TotalReads)
	printSummary(w, rec.Summary)
	if len(rec.Entries) > 0 {
		fmt.Fprintln(w)
		printEntries(w, rec.Entries)
	}
	printClassification(w, rec.Classification)
	return nil
}

func printDeviceInfo(w io.Writer, format string, info reader.Info) error {
	if format == formatJSON {
		return writeJSON(w, info)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Identifier\t%s\n", orDash(string(info.Identifier)))
	fmt.Fprintf(tw, "Firmware\t%s\n", orDash(string(info.Firmware)))
	fmt.Fprintf(tw, "Output power\t%d dBm\n", info.OutputPower)
	fmt.Fprintf(tw, "Temperature\t%.1f °C\n", float64(info.Temperature))
	fmt.Fprintf(tw, "RF link profile\t%d\n", info.RFLinkProfile)
	return tw.Flush()
}

type deviceHistoryView struct {
	Info    reader.Info             `json:"info"`
	History []dispatch.DeviceUpdate `json:"history"`
	Dropped uint64                  `json:"dropped"`
}

func printDeviceHistory(w io.Writer, format string, info reader.Info, updates []dispatch.DeviceUpdate, dropped uint64) error {
	if format == formatJSON {
		if updates == nil {
			updates = []dispatch.DeviceUpdate{}
		}
		return writeJSON(w, deviceHistoryView{Info: info, History: updates, Dropped: dropped})
	}
	if err := printDeviceInfo(w, format, info); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nUpdates (%d", len(updates))
	if dropped > 0 {
		fmt.Fprintf(w, ", %d older dropped", dropped)
	}
	fmt.Fprintln(w, "):")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tFIELD\tCOMMAND\tVALUE\tAT")
	for _, u := range updates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%s\n", u.Seq, u.Field, u.Command, u.Value, u.At.Format(time.TimeOnly))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
