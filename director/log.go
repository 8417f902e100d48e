package director

import (
	"strconv"

	log "github.com/sirupsen/logrus"
)

type LogHolder struct {
	DeviceUDID         string
	DeviceSerial       string
	BusinessUnitID     uint
	PolicyID           uint
	PolicyKind         string
	CommandUUID        string
	CommandRequestType string
	CommandStatus      string
	Target             string
	Message            string
	Metric             string
}

func processFields(logholder LogHolder) *log.Entry {
	fields := log.Fields{}
	if logholder.DeviceUDID != "" {
		fields["device_udid"] = logholder.DeviceUDID
	}
	if logholder.DeviceSerial != "" {
		fields["device_serial"] = logholder.DeviceSerial
	}
	if logholder.BusinessUnitID != 0 {
		fields["business_unit_id"] = strconv.FormatUint(uint64(logholder.BusinessUnitID), 10)
	}
	if logholder.PolicyID != 0 {
		fields["policy_id"] = strconv.FormatUint(uint64(logholder.PolicyID), 10)
	}
	if logholder.PolicyKind != "" {
		fields["policy_kind"] = logholder.PolicyKind
	}
	if logholder.CommandUUID != "" {
		fields["command_uuid"] = logholder.CommandUUID
	}
	if logholder.CommandRequestType != "" {
		fields["command_request_type"] = logholder.CommandRequestType
	}
	if logholder.CommandStatus != "" {
		fields["command_status"] = logholder.CommandStatus
	}
	if logholder.Target != "" {
		fields["target"] = logholder.Target
	}
	if logholder.Metric != "" {
		fields["metric"] = logholder.Metric
	}
	return log.WithFields(fields)
}

func DebugLogger(logholder LogHolder) {
	processFields(logholder).Debug(logholder.Message)
}

func InfoLogger(logholder LogHolder) {
	processFields(logholder).Info(logholder.Message)
}

func WarnLogger(logholder LogHolder) {
	processFields(logholder).Warn(logholder.Message)
}

func ErrorLogger(logholder LogHolder) {
	processFields(logholder).Error(logholder.Message)
}

func FatalLogger(logholder LogHolder) {
	processFields(logholder).Fatal(logholder.Message)
}
