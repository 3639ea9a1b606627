// Package protocol implements the reader's JSON-over-base64 wire format: the closed
// command vocabulary, frame encoding, and decoding of the responses the reader
// multiplexes onto its single notification characteristic.
package protocol

// CommandName is one entry of the reader's closed command vocabulary.
// The string value is the exact wire spelling.
type CommandName string

const (
	CmdGetReaderIdentifier  CommandName = "get_reader_identifier"
	CmdGetFirmwareVersion   CommandName = "cmd_get_firmware_version"
	CmdGetOutputPower       CommandName = "cmd_get_output_power"
	CmdSetOutputPower       CommandName = "cmd_set_output_power"
	CmdGetReaderTemperature CommandName = "cmd_get_reader_temperature"
	CmdGetRFLinkProfile     CommandName = "cmd_get_rf_link_profile"
	CmdSetRFLinkProfile     CommandName = "cmd_set_rf_link_profile"
	CmdInventoryStart       CommandName = "cmd_customized_session_target_inventory_start"
	CmdInventoryStop        CommandName = "cmd_customized_session_target_inventory_stop"
	CmdAlertStart           CommandName = "cmd_send_alert_start"
	CmdAlertStop            CommandName = "cmd_send_alert_stop"
	CmdSettingAlert         CommandName = "cmd_send_setting_alert"
)

// Kind groups commands by the component that consumes their responses.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeviceInfo
	KindInventory
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindDeviceInfo:
		return "device_info"
	case KindInventory:
		return "inventory"
	case KindAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Device-state fields updated by device information responses.
const (
	FieldReaderIdentifier = "reader_identifier"
	FieldFirmwareVersion  = "firmware_version"
	FieldOutputPower      = "output_power"
	FieldTemperature      = "temperature"
	FieldRFLinkProfile    = "rf_link_profile"
	FieldAlert            = "alert"
)

type commandShape struct {
	kind  Kind
	field string
}

var vocabulary = map[CommandName]commandShape{
	CmdGetReaderIdentifier:  {KindDeviceInfo, FieldReaderIdentifier},
	CmdGetFirmwareVersion:   {KindDeviceInfo, FieldFirmwareVersion},
	CmdGetOutputPower:       {KindDeviceInfo, FieldOutputPower},
	CmdSetOutputPower:       {KindDeviceInfo, FieldOutputPower},
	CmdGetReaderTemperature: {KindDeviceInfo, FieldTemperature},
	CmdGetRFLinkProfile:     {KindDeviceInfo, FieldRFLinkProfile},
	CmdSetRFLinkProfile:     {KindDeviceInfo, FieldRFLinkProfile},
	CmdInventoryStart:       {KindInventory, ""},
	CmdInventoryStop:        {KindInventory, ""},
	CmdAlertStart:           {KindAlert, FieldAlert},
	CmdAlertStop:            {KindAlert, FieldAlert},
	CmdSettingAlert:         {KindAlert, FieldAlert},
}

// Vocabulary returns every known command in a stable order.
func Vocabulary() []CommandName {
	return []CommandName{
		CmdGetReaderIdentifier,
		CmdGetFirmwareVersion,
		CmdGetOutputPower,
		CmdSetOutputPower,
		CmdGetReaderTemperature,
		CmdGetRFLinkProfile,
		CmdSetRFLinkProfile,
		CmdInventoryStart,
		CmdInventoryStop,
		CmdAlertStart,
		CmdAlertStop,
		CmdSettingAlert,
	}
}

// Valid reports whether n belongs to the vocabulary.
func (n CommandName) Valid() bool {
	_, ok := vocabulary[n]
	return ok
}

func (n CommandName) Kind() Kind {
	return vocabulary[n].kind
}

// Field is the device-state field a device information or alert response updates.
// Inventory and unknown commands have no field.
func (n CommandName) Field() string {
	return vocabulary[n].field
}

func (n CommandName) String() string {
	return string(n)
}
