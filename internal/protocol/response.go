package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Response is one reader notification. Cmd echoes the command it answers;
// the reader carries no request id, so correlation is by Cmd alone.
type Response struct {
	Cmd   CommandName     `json:"cmd"`
	Value json.RawMessage `json:"value,omitempty"`
	Tags  []string        `json:"tags,omitempty"`
}

// HasValue reports whether the response carried a non-null value.
func (r Response) HasValue() bool {
	v := bytes.TrimSpace(r.Value)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

// DecodeValue unmarshals the raw value into v.
func (r Response) DecodeValue(v any) error {
	if !r.HasValue() {
		return fmt.Errorf("%s: response has no value", r.Cmd)
	}
	return json.Unmarshal(r.Value, v)
}

// ReaderIdentifier is the value of get_reader_identifier.
type ReaderIdentifier string

// FirmwareVersion is the value of cmd_get_firmware_version.
type FirmwareVersion string

// OutputPower is the transmit power in dBm.
type OutputPower int

// Temperature is the reader temperature in degrees Celsius.
type Temperature float64

// RFLinkProfile is the reader's RF link profile id.
type RFLinkProfile int

// AlertSetting is the acknowledgement carried by alert commands.
type AlertSetting json.RawMessage

// Payload decodes Value into the typed variant for Cmd. Device information values
// may arrive as JSON numbers or numeric strings depending on firmware; both are
// accepted. Commands without a typed variant return the raw JSON.
func (r Response) Payload() (any, error) {
	switch r.Cmd {
	case CmdGetReaderIdentifier:
		s, err := r.text()
		return ReaderIdentifier(s), err
	case CmdGetFirmwareVersion:
		s, err := r.text()
		return FirmwareVersion(s), err
	case CmdGetOutputPower, CmdSetOutputPower:
		n, err := r.number()
		return OutputPower(int(n)), err
	case CmdGetReaderTemperature:
		n, err := r.number()
		return Temperature(n), err
	case CmdGetRFLinkProfile, CmdSetRFLinkProfile:
		n, err := r.number()
		return RFLinkProfile(int(n)), err
	case CmdAlertStart, CmdAlertStop, CmdSettingAlert:
		return AlertSetting(bytes.Clone(r.Value)), nil
	default:
		return json.RawMessage(bytes.Clone(r.Value)), nil
	}
}

func (r Response) text() (string, error) {
	if !r.HasValue() {
		return "", fmt.Errorf("%s: response has no value", r.Cmd)
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s, nil
	}
	// Some firmware reports identifiers as bare numbers.
	var n json.Number
	if err := json.Unmarshal(r.Value, &n); err != nil {
		return "", fmt.Errorf("%s: value %s is not text: %w", r.Cmd, r.Value, err)
	}
	return n.String(), nil
}

func (r Response) number() (float64, error) {
	if !r.HasValue() {
		return 0, fmt.Errorf("%s: response has no value", r.Cmd)
	}
	var n float64
	if err := json.Unmarshal(r.Value, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err != nil {
		return 0, fmt.Errorf("%s: value %s is not numeric: %w", r.Cmd, r.Value, err)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: value %q is not numeric: %w", r.Cmd, s, err)
	}
	return n, nil
}

// UnmarshalJSON accepts "command" as the correlation key when "cmd" is absent,
// so frames written by Encode decode back to the command they carry.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		Cmd     CommandName     `json:"cmd"`
		Command CommandName     `json:"command"`
		Value   json.RawMessage `json:"value"`
		Tags    []string        `json:"tags"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.Cmd = wire.Cmd
	if r.Cmd == "" {
		r.Cmd = wire.Command
	}
	r.Value = wire.Value
	r.Tags = wire.Tags
	return nil
}
