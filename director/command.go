package director

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/hashicorp/go-version"
	"github.com/mdmdirector/mdmrelay/mdm"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const backfillBatchSize = 100

var supportedCodecVersions = version.MustConstraints(version.NewConstraint(mdm.SupportedCodecVersions))

// CommandQueue stores device commands and serves them back in order.
type CommandQueue struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCommandQueue(db *gorm.DB) *CommandQueue {
	return &CommandQueue{db: db, now: time.Now}
}

// Enqueue stores a command for device inside uow. The wire envelope is
// built now and never rebuilt.
func (q *CommandQueue) Enqueue(uow *UnitOfWork, device types.EnrolledDevice, requestType string, dictionary map[string]interface{}) (*types.DeviceCommand, error) {
	id := uuid.New()
	body, err := mdm.Encode(mdm.Command{UUID: id, RequestType: requestType, Dictionary: dictionary})
	if err != nil {
		return nil, err
	}
	stored, err := mdm.EncodeDictionary(dictionary)
	if err != nil {
		return nil, err
	}

	command := types.DeviceCommand{
		UUID:             id.String(),
		EnrolledDeviceID: device.ID,
		RequestType:      requestType,
		Dictionary:       stored,
		Body:             body,
		CodecVersion:     mdm.CodecVersion,
	}
	if err := uow.Tx.Create(&command).Error; err != nil {
		return nil, translateDBError(err, "queue command")
	}

	CommandsQueued.WithLabelValues(requestType).Inc()
	DebugLogger(LogHolder{
		DeviceUDID:         device.UDID,
		DeviceSerial:       device.SerialNumber,
		CommandUUID:        command.UUID,
		CommandRequestType: requestType,
		Message:            "queued command",
	})
	return &command, nil
}

// Acknowledge records a device's answer to a command. Idle reports carry no
// command and are ignored.
func (q *CommandQueue) Acknowledge(ctx context.Context, device types.EnrolledDevice, ack mdm.Acknowledgement) error {
	if ack.CommandUUID == "" || ack.Status == types.CommandIdle {
		return nil
	}

	updates := map[string]interface{}{
		"status":      ack.Status,
		"result_time": q.now(),
	}
	if len(ack.ErrorChain) > 0 {
		chain, err := plist.Marshal(ack.ErrorChain)
		if err != nil {
			return errors.Wrap(err, "encode error chain")
		}
		updates["error_chain"] = chain
	}

	res := q.db.WithContext(ctx).Model(&types.DeviceCommand{}).
		Where("uuid = ? AND enrolled_device_id = ?", ack.CommandUUID, device.ID).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "acknowledge command")
	}

	logholder := LogHolder{
		DeviceUDID:    device.UDID,
		DeviceSerial:  device.SerialNumber,
		CommandUUID:   ack.CommandUUID,
		CommandStatus: ack.Status,
	}
	if res.RowsAffected == 0 {
		logholder.Message = "acknowledgement for unknown command"
		WarnLogger(logholder)
		return nil
	}
	logholder.Message = "command acknowledged"
	if ack.Status == types.CommandError {
		WarnLogger(logholder)
	} else {
		DebugLogger(logholder)
	}
	return nil
}

// NextCommand handles one device pull: it records the acknowledgement, then
// returns the next command to send, or nil when the queue is empty.
func (q *CommandQueue) NextCommand(ctx context.Context, device types.EnrolledDevice, ack mdm.Acknowledgement) (*types.DeviceCommand, error) {
	if err := q.Acknowledge(ctx, device, ack); err != nil {
		return nil, err
	}
	skip := ""
	if ack.Status == types.CommandNotNow {
		skip = ack.CommandUUID
	}
	return q.Next(ctx, device, skip)
}

// Next returns the oldest pending command for device, or nil if there is
// none. skip excludes a command the device just deferred. Commands whose
// stored body cannot be served are marked and passed over.
func (q *CommandQueue) Next(ctx context.Context, device types.EnrolledDevice, skip string) (*types.DeviceCommand, error) {
	db := q.db.WithContext(ctx)
	for {
		query := db.Where("enrolled_device_id = ? AND (status = ? OR status = ?)", device.ID, "", types.CommandNotNow)
		if skip != "" {
			query = query.Where("uuid <> ?", skip)
		}
		var commands []types.DeviceCommand
		if err := query.Order("id").Limit(1).Find(&commands).Error; err != nil {
			return nil, errors.Wrap(err, "load next command")
		}
		if len(commands) == 0 {
			return nil, nil
		}
		command := commands[0]

		if command.Body == nil {
			if err := q.backfill(db, &command); err != nil {
				var malformed *mdm.MalformedEnvelopeError
				if !errors.As(err, &malformed) {
					return nil, err
				}
				if err := q.quarantine(db, device, command, err); err != nil {
					return nil, err
				}
				continue
			}
		}
		if err := checkEnvelope(command); err != nil {
			if err := q.quarantine(db, device, command, err); err != nil {
				return nil, err
			}
			continue
		}
		return &command, nil
	}
}

func checkEnvelope(command types.DeviceCommand) error {
	codecVersion := command.CodecVersion
	if codecVersion == "" {
		codecVersion = mdm.CodecVersion
	}
	v, err := version.NewVersion(codecVersion)
	if err != nil {
		return &mdm.MalformedEnvelopeError{Reason: "unreadable codec version", Err: err}
	}
	if !supportedCodecVersions.Check(v) {
		return &mdm.MalformedEnvelopeError{Reason: fmt.Sprintf("unsupported codec version %s", codecVersion)}
	}
	decoded, err := mdm.Decode(command.Body)
	if err != nil {
		return err
	}
	if decoded.UUID.String() != command.UUID || decoded.RequestType != command.RequestType {
		return &mdm.MalformedEnvelopeError{Reason: "envelope does not match its command row"}
	}
	return nil
}

// quarantine marks a command that cannot be served so the next lookup passes
// over it. If the mark cannot be written the command would be selected again,
// so the error is returned instead.
func (q *CommandQueue) quarantine(db *gorm.DB, device types.EnrolledDevice, command types.DeviceCommand, cause error) error {
	MalformedEnvelopes.Inc()
	ErrorLogger(LogHolder{
		DeviceUDID:         device.UDID,
		DeviceSerial:       device.SerialNumber,
		CommandUUID:        command.UUID,
		CommandRequestType: command.RequestType,
		Message:            cause.Error(),
	})
	err := db.Model(&types.DeviceCommand{}).
		Where("id = ?", command.ID).
		Update("status", types.CommandMalformedEnvelope).Error
	return errors.Wrapf(err, "mark command %s malformed", command.UUID)
}

// backfill builds and stores the body of a command written before bodies
// were stored. Only a null body is ever written.
func (q *CommandQueue) backfill(db *gorm.DB, command *types.DeviceCommand) error {
	id, err := uuid.Parse(command.UUID)
	if err != nil {
		return &mdm.MalformedEnvelopeError{Reason: "invalid command uuid", Err: err}
	}
	dictionary, err := mdm.DecodeDictionary(command.Dictionary)
	if err != nil {
		return &mdm.MalformedEnvelopeError{Reason: "unreadable stored dictionary", Err: err}
	}
	body, err := mdm.Encode(mdm.Command{UUID: id, RequestType: command.RequestType, Dictionary: dictionary})
	if err != nil {
		return &mdm.MalformedEnvelopeError{Reason: "cannot encode stored command", Err: err}
	}

	res := db.Model(&types.DeviceCommand{}).
		Where("id = ? AND body IS NULL", command.ID).
		Updates(map[string]interface{}{
			"body":          body,
			"codec_version": mdm.CodecVersion,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "store command body")
	}
	if res.RowsAffected == 0 {
		// someone else filled it first; theirs is the frozen one
		var stored types.DeviceCommand
		if err := db.First(&stored, command.ID).Error; err != nil {
			return errors.Wrap(err, "reload command")
		}
		*command = stored
		return nil
	}
	command.Body = body
	command.CodecVersion = mdm.CodecVersion
	return nil
}

// BackfillBodies fills in the body of every command that lacks one and
// returns how many were written. Running it again writes nothing.
func (q *CommandQueue) BackfillBodies(ctx context.Context) (int, error) {
	db := q.db.WithContext(ctx)
	var (
		lastID  uint
		written int
	)
	for {
		var commands []types.DeviceCommand
		err := db.Where("body IS NULL AND id > ?", lastID).
			Order("id").
			Limit(backfillBatchSize).
			Find(&commands).Error
		if err != nil {
			return written, errors.Wrap(err, "load commands without body")
		}
		if len(commands) == 0 {
			break
		}
		for i := range commands {
			lastID = commands[i].ID
			if err := q.backfill(db, &commands[i]); err != nil {
				ErrorLogger(LogHolder{
					CommandUUID:        commands[i].UUID,
					CommandRequestType: commands[i].RequestType,
					Message:            errors.Wrap(err, "backfill command body").Error(),
				})
				continue
			}
			written++
		}
	}
	InfoLogger(LogHolder{Message: "command body backfill finished", Metric: fmt.Sprintf("%d", written)})
	return written, nil
}
