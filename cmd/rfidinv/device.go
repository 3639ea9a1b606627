package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/rfidinv/internal/protocol"
	"github.com/srg/rfidinv/pkg/reader"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Query and configure the reader",
	Long: `Reads device information from the reader and changes its settings.

Examples:
  rfidinv device info --address AA:BB:CC:DD:EE:FF
  rfidinv device info --history -f json
  rfidinv device power 27
  rfidinv device profile
  rfidinv device alert on
  rfidinv device alert-config '{"duration":2}'`,
}

var (
	deviceFormat  string
	deviceHistory bool
)

var deviceInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show identifier, firmware, power, temperature and RF profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := validateFormat(deviceFormat); err != nil {
			return err
		}
		return withReader(cmd, func(ctx context.Context, r *reader.Reader) error {
			info, err := r.DeviceInfo(ctx)
			if deviceHistory {
				updates, dropped := r.DeviceHistory()
				if perr := printDeviceHistory(cmd.OutOrStdout(), deviceFormat, info, updates, dropped); perr != nil {
					return perr
				}
				return wrapOp(opQuery, err)
			}
			if perr := printDeviceInfo(cmd.OutOrStdout(), deviceFormat, info); perr != nil {
				return perr
			}
			return wrapOp(opQuery, err)
		})
	},
}

var devicePowerCmd = &cobra.Command{
	Use:   "power [dbm]",
	Short: "Show or set the output power",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dbm int
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid power %q: %w", args[0], err)
			}
			dbm = v
		}
		return withReader(cmd, func(ctx context.Context, r *reader.Reader) error {
			var (
				power protocol.OutputPower
				err   error
			)
			if len(args) == 1 {
				power, err = r.SetOutputPower(ctx, dbm)
			} else {
				power, err = r.OutputPower(ctx)
			}
			if err != nil {
				return wrapOp(opQuery, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Output power: %d dBm\n", power)
			return nil
		})
	},
}

var deviceProfileCmd = &cobra.Command{
	Use:   "profile [id]",
	Short: "Show or set the RF link profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid profile %q: %w", args[0], err)
			}
			id = v
		}
		return withReader(cmd, func(ctx context.Context, r *reader.Reader) error {
			var (
				p   protocol.RFLinkProfile
				err error
			)
			if len(args) == 1 {
				p, err = r.SetRFLinkProfile(ctx, id)
			} else {
				p, err = r.RFLinkProfile(ctx)
			}
			if err != nil {
				return wrapOp(opQuery, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "RF link profile: %d\n", p)
			return nil
		})
	},
}

var deviceAlertCmd = &cobra.Command{
	Use:       "alert on|off",
	Short:     "Start or stop the reader's alert",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[0] {
		case "on", "start":
			on = true
		case "off", "stop":
		default:
			return fmt.Errorf("invalid alert state %q: must be on or off", args[0])
		}
		return withReader(cmd, func(ctx context.Context, r *reader.Reader) error {
			ack, err := r.Alert(ctx, on)
			if err != nil {
				return wrapOp(opQuery, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Alert %s: %s\n", args[0], string(ack))
			return nil
		})
	},
}

var deviceAlertConfigCmd = &cobra.Command{
	Use:   "alert-config <json>",
	Short: "Send an alert setting (JSON value passed through to the reader)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value any
		if err := json.Unmarshal([]byte(args[0]), &value); err != nil {
			return fmt.Errorf("alert setting must be JSON: %w", err)
		}
		return withReader(cmd, func(ctx context.Context, r *reader.Reader) error {
			ack, err := r.ConfigureAlert(ctx, value)
			if err != nil {
				return wrapOp(opQuery, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Alert setting: %s\n", string(ack))
			return nil
		})
	},
}

func init() {
	deviceCmd.PersistentFlags().String("address", "", "Reader BLE address")
	deviceInfoCmd.Flags().StringVarP(&deviceFormat, "format", "f", formatTable, "Output format (table, json)")
	deviceInfoCmd.Flags().BoolVar(&deviceHistory, "history", false, "Also print every device update received while querying")

	deviceCmd.AddCommand(deviceInfoCmd)
	deviceCmd.AddCommand(devicePowerCmd)
	deviceCmd.AddCommand(deviceProfileCmd)
	deviceCmd.AddCommand(deviceAlertCmd)
	deviceCmd.AddCommand(deviceAlertConfigCmd)
}

// withReader connects, runs fn with an open reader and disconnects.
func withReader(cmd *cobra.Command, fn func(ctx context.Context, r *reader.Reader) error) error {
	cfg := appConfig
	logger := configureLogger(cmd, cfg)
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	rs, err := openReader(ctx, cfg, nil, func(err error) { warn(cmd, err) }, logger, nil)
	if err != nil {
		return err
	}
	defer rs.Close()
	return fn(ctx, rs.reader)
}
