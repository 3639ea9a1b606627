package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/dispatch"
	"github.com/srg/rfidinv/internal/protocol"
)

// ResponseTimeoutError means the reader never echoed a command within the response timeout.
type ResponseTimeoutError struct {
	Command protocol.CommandName
	Timeout string
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("no response to %s within %s", e.Command, e.Timeout)
}

// UnexpectedValueError means a response arrived but its value could not be read as the expected type.
type UnexpectedValueError struct {
	Command protocol.CommandName
	Raw     json.RawMessage
}

func (e *UnexpectedValueError) Error() string {
	return fmt.Sprintf("unexpected value for %s: %s", e.Command, string(e.Raw))
}

// query writes cmd and waits for the next update of its device-state field.
// Correlation is by field only since the reader carries no request id.
func (r *Reader) query(ctx context.Context, cmd protocol.CommandName, value any) (dispatch.DeviceUpdate, error) {
	r.mu.Lock()
	open := r.sub != nil
	r.mu.Unlock()
	if !open {
		return dispatch.DeviceUpdate{}, ErrNotOpen
	}

	frame, err := protocol.Encode(cmd, value)
	if err != nil {
		return dispatch.DeviceUpdate{}, err
	}

	mark := r.state.Mark()
	err = r.adapter.Write(ctx, frame)
	r.metrics.CommandWritten(string(cmd), err)
	if err != nil {
		return dispatch.DeviceUpdate{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.opts.ResponseTimeout)
	defer cancel()

	u, err := r.state.Wait(waitCtx, cmd.Field(), mark)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			r.logger.WithFields(logrus.Fields{
				"cmd":     cmd,
				"timeout": r.opts.ResponseTimeout,
			}).Warn("Reader did not answer")
			return dispatch.DeviceUpdate{}, &ResponseTimeoutError{Command: cmd, Timeout: r.opts.ResponseTimeout.String()}
		}
		return dispatch.DeviceUpdate{}, err
	}
	return u, nil
}

func valueAs[T any](u dispatch.DeviceUpdate) (T, error) {
	v, ok := u.Value.(T)
	if !ok {
		var zero T
		return zero, &UnexpectedValueError{Command: u.Command, Raw: u.Raw}
	}
	return v, nil
}

func queryAs[T any](ctx context.Context, r *Reader, cmd protocol.CommandName, value any) (T, error) {
	u, err := r.query(ctx, cmd, value)
	if err != nil {
		var zero T
		return zero, err
	}
	return valueAs[T](u)
}

func (r *Reader) Identify(ctx context.Context) (protocol.ReaderIdentifier, error) {
	return queryAs[protocol.ReaderIdentifier](ctx, r, protocol.CmdGetReaderIdentifier, nil)
}

func (r *Reader) FirmwareVersion(ctx context.Context) (protocol.FirmwareVersion, error) {
	return queryAs[protocol.FirmwareVersion](ctx, r, protocol.CmdGetFirmwareVersion, nil)
}

// OutputPower reads the transmit power in dBm.
func (r *Reader) OutputPower(ctx context.Context) (protocol.OutputPower, error) {
	return queryAs[protocol.OutputPower](ctx, r, protocol.CmdGetOutputPower, nil)
}

// SetOutputPower sets the transmit power and returns the value the reader echoed.
func (r *Reader) SetOutputPower(ctx context.Context, dbm int) (protocol.OutputPower, error) {
	return queryAs[protocol.OutputPower](ctx, r, protocol.CmdSetOutputPower, dbm)
}

func (r *Reader) Temperature(ctx context.Context) (protocol.Temperature, error) {
	return queryAs[protocol.Temperature](ctx, r, protocol.CmdGetReaderTemperature, nil)
}

func (r *Reader) RFLinkProfile(ctx context.Context) (protocol.RFLinkProfile, error) {
	return queryAs[protocol.RFLinkProfile](ctx, r, protocol.CmdGetRFLinkProfile, nil)
}

func (r *Reader) SetRFLinkProfile(ctx context.Context, profile int) (protocol.RFLinkProfile, error) {
	return queryAs[protocol.RFLinkProfile](ctx, r, protocol.CmdSetRFLinkProfile, profile)
}

// Alert turns the reader's buzzer/LED alert on or off.
func (r *Reader) Alert(ctx context.Context, on bool) (protocol.AlertSetting, error) {
	cmd := protocol.CmdAlertStop
	if on {
		cmd = protocol.CmdAlertStart
	}
	return queryAs[protocol.AlertSetting](ctx, r, cmd, nil)
}

// ConfigureAlert sends an alert setting. value is passed through as the command value.
func (r *Reader) ConfigureAlert(ctx context.Context, value any) (protocol.AlertSetting, error) {
	return queryAs[protocol.AlertSetting](ctx, r, protocol.CmdSettingAlert, value)
}

// Info is the reader's device information as read by DeviceInfo.
type Info struct {
	Identifier    protocol.ReaderIdentifier `json:"reader_identifier,omitempty"`
	Firmware      protocol.FirmwareVersion  `json:"firmware_version,omitempty"`
	OutputPower   protocol.OutputPower      `json:"output_power"`
	Temperature   protocol.Temperature      `json:"temperature"`
	RFLinkProfile protocol.RFLinkProfile    `json:"rf_link_profile"`
}

// DeviceInfo queries every device information field one after another. Fields
// that failed keep their zero value; the failures are joined into the error.
func (r *Reader) DeviceInfo(ctx context.Context) (Info, error) {
	var (
		info Info
		errs []error
		err  error
	)

	if info.Identifier, err = r.Identify(ctx); err != nil {
		errs = append(errs, err)
	}
	if info.Firmware, err = r.FirmwareVersion(ctx); err != nil {
		errs = append(errs, err)
	}
	if info.OutputPower, err = r.OutputPower(ctx); err != nil {
		errs = append(errs, err)
	}
	if info.Temperature, err = r.Temperature(ctx); err != nil {
		errs = append(errs, err)
	}
	if info.RFLinkProfile, err = r.RFLinkProfile(ctx); err != nil {
		errs = append(errs, err)
	}
	return info, errors.Join(errs...)
}
