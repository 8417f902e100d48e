package director

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/mdmdirector/mdmrelay/mdm"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, f *fixture, queue *CommandQueue, device types.EnrolledDevice, requestType string, dictionary map[string]interface{}) *types.DeviceCommand {
	t.Helper()
	var command *types.DeviceCommand
	err := RunInTransaction(context.Background(), f.db, func(uow *UnitOfWork) error {
		var err error
		command, err = queue.Enqueue(uow, device, requestType, dictionary)
		return err
	})
	require.NoError(t, err)
	return command
}

// insertLegacyCommand stores a command the way it was written before bodies
// were persisted.
func insertLegacyCommand(t *testing.T, f *fixture, device types.EnrolledDevice, requestType string, dictionary map[string]interface{}) types.DeviceCommand {
	t.Helper()
	stored, err := mdm.EncodeDictionary(dictionary)
	require.NoError(t, err)
	command := types.DeviceCommand{
		UUID:             uuid.NewString(),
		EnrolledDeviceID: device.ID,
		RequestType:      requestType,
		Dictionary:       stored,
	}
	require.NoError(t, f.db.Create(&command).Error)
	require.NoError(t, f.db.Exec("UPDATE device_commands SET body = NULL WHERE id = ?", command.ID).Error)
	return command
}

func TestCommandQueue_Enqueue(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)

	command := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "com.example.wifi"})

	var stored types.DeviceCommand
	require.NoError(t, f.db.First(&stored, command.ID).Error)
	assert.Equal(t, mdm.CodecVersion, stored.CodecVersion)
	assert.True(t, stored.Pending())

	decoded, err := mdm.Decode(stored.Body)
	require.NoError(t, err)
	assert.Equal(t, stored.UUID, decoded.UUID.String())
	assert.Equal(t, "RemoveProfile", decoded.RequestType)
	assert.Equal(t, "com.example.wifi", decoded.Dictionary["Identifier"])
}

func TestCommandQueue_EnqueueRolledBack(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)

	err := RunInTransaction(context.Background(), f.db, func(uow *UnitOfWork) error {
		if _, err := queue.Enqueue(uow, device, "RemoveProfile", map[string]interface{}{"Identifier": "x"}); err != nil {
			return err
		}
		return newValidationError("test", "abort")
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), countRows(t, f.db, &types.DeviceCommand{}, ""))
}

func TestCommandQueue_NextCommand(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)
	ctx := context.Background()

	first := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "one"})
	second := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "two"})

	next, err := queue.NextCommand(ctx, device, mdm.Acknowledgement{UDID: device.UDID, Status: types.CommandIdle})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.UUID, next.UUID)
	assert.Equal(t, first.Body, next.Body)

	// deferring the first command moves on to the second
	next, err = queue.NextCommand(ctx, device, mdm.Acknowledgement{UDID: device.UDID, Status: types.CommandNotNow, CommandUUID: first.UUID})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.UUID, next.UUID)

	next, err = queue.NextCommand(ctx, device, mdm.Acknowledgement{UDID: device.UDID, Status: types.CommandAcknowledged, CommandUUID: second.UUID})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.UUID, next.UUID, "deferred command is served again")

	next, err = queue.NextCommand(ctx, device, mdm.Acknowledgement{
		UDID:        device.UDID,
		Status:      types.CommandError,
		CommandUUID: first.UUID,
		ErrorChain:  []mdm.ErrorChainItem{{ErrorCode: 1000, ErrorDomain: "MCProfileErrorDomain", LocalizedDescription: "missing"}},
	})
	require.NoError(t, err)
	assert.Nil(t, next)

	var stored types.DeviceCommand
	require.NoError(t, f.db.Where("uuid = ?", first.UUID).First(&stored).Error)
	assert.Equal(t, types.CommandError, stored.Status)
	assert.NotEmpty(t, stored.ErrorChain)
	assert.NotNil(t, stored.ResultTime)
}

func TestCommandQueue_AcknowledgeOtherDevice(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	other := f.enroll(t, uuid.NewString(), "C02BBB", "token-2")
	queue := NewCommandQueue(f.db)

	command := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "one"})

	err := queue.Acknowledge(context.Background(), other, mdm.Acknowledgement{
		UDID:        other.UDID,
		Status:      types.CommandAcknowledged,
		CommandUUID: command.UUID,
	})
	require.NoError(t, err)

	var stored types.DeviceCommand
	require.NoError(t, f.db.First(&stored, command.ID).Error)
	assert.True(t, stored.Pending())
}

func TestCommandQueue_BackfillBodies(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)
	ctx := context.Background()

	legacy := make([]types.DeviceCommand, 0, 3)
	for _, identifier := range []string{"one", "two", "three"} {
		legacy = append(legacy, insertLegacyCommand(t, f, device, "RemoveProfile", map[string]interface{}{"Identifier": identifier}))
	}
	current := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "current"})

	written, err := queue.BackfillBodies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	bodies := map[uint][]byte{}
	for _, command := range legacy {
		var stored types.DeviceCommand
		require.NoError(t, f.db.First(&stored, command.ID).Error)
		require.NotNil(t, stored.Body)
		assert.Equal(t, mdm.CodecVersion, stored.CodecVersion)
		decoded, err := mdm.Decode(stored.Body)
		require.NoError(t, err)
		assert.Equal(t, command.UUID, decoded.UUID.String())
		bodies[command.ID] = stored.Body
	}

	var untouched types.DeviceCommand
	require.NoError(t, f.db.First(&untouched, current.ID).Error)
	assert.Equal(t, current.Body, untouched.Body)

	written, err = queue.BackfillBodies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, written)
	for id, body := range bodies {
		var stored types.DeviceCommand
		require.NoError(t, f.db.First(&stored, id).Error)
		assert.Equal(t, body, stored.Body, "body must not be rewritten")
	}
}

func TestCommandQueue_NextBackfillsLazily(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)

	legacy := insertLegacyCommand(t, f, device, "InstallProfile", map[string]interface{}{"Payload": []byte("profile")})

	next, err := queue.Next(context.Background(), device, "")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, legacy.UUID, next.UUID)
	require.NotNil(t, next.Body)

	var stored types.DeviceCommand
	require.NoError(t, f.db.First(&stored, legacy.ID).Error)
	assert.Equal(t, next.Body, stored.Body)

	again, err := queue.Next(context.Background(), device, "")
	require.NoError(t, err)
	assert.Equal(t, next.Body, again.Body)
}

func TestCommandQueue_QuarantinesUnservableCommands(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)

	future := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "future"})
	require.NoError(t, f.db.Model(&types.DeviceCommand{}).Where("id = ?", future.ID).Update("codec_version", "2.0").Error)

	corrupt := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "corrupt"})
	require.NoError(t, f.db.Model(&types.DeviceCommand{}).Where("id = ?", corrupt.ID).Update("body", []byte("not a plist")).Error)

	mismatched := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "mismatched"})
	require.NoError(t, f.db.Model(&types.DeviceCommand{}).Where("id = ?", mismatched.ID).Update("request_type", "InstallProfile").Error)

	badDictionary := insertLegacyCommand(t, f, device, "RemoveProfile", nil)
	require.NoError(t, f.db.Model(&types.DeviceCommand{}).Where("id = ?", badDictionary.ID).Update("dictionary", []byte("<?xml version=\"1.0\"?><plist><dict><key>")).Error)

	good := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "good"})

	next, err := queue.Next(context.Background(), device, "")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, good.UUID, next.UUID)

	for _, id := range []uint{future.ID, corrupt.ID, mismatched.ID, badDictionary.ID} {
		var stored types.DeviceCommand
		require.NoError(t, f.db.First(&stored, id).Error)
		assert.Equal(t, types.CommandMalformedEnvelope, stored.Status)
		assert.False(t, stored.Pending())
	}
}

func TestCheckEnvelope(t *testing.T) {
	id := uuid.New()
	body, err := mdm.Encode(mdm.Command{UUID: id, RequestType: "DeviceInformation"})
	require.NoError(t, err)

	command := types.DeviceCommand{UUID: id.String(), RequestType: "DeviceInformation", Body: body, CodecVersion: "1.0"}
	assert.NoError(t, checkEnvelope(command))

	command.CodecVersion = "1.4"
	assert.NoError(t, checkEnvelope(command))

	command.CodecVersion = "banana"
	var malformed *mdm.MalformedEnvelopeError
	assert.ErrorAs(t, checkEnvelope(command), &malformed)

	command.CodecVersion = "0.9"
	assert.ErrorAs(t, checkEnvelope(command), &malformed)
}

func TestCommandQueue_NextFailsWhenQuarantineCannotBeWritten(t *testing.T) {
	db, mock := setupMockDB(t)
	queue := NewCommandQueue(db)
	device := types.EnrolledDevice{ID: 7, UDID: uuid.NewString(), SerialNumber: "C02AAA"}

	rows := sqlmock.NewRows([]string{"id", "uuid", "enrolled_device_id", "request_type", "body", "codec_version", "status"}).
		AddRow(1, uuid.NewString(), 7, "RemoveProfile", []byte("not a plist"), "1.0", "")
	mock.ExpectQuery(`SELECT \* FROM "device_commands"`).WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "device_commands" SET "status"`).
		WillReturnError(errors.New("cannot execute UPDATE in a read-only transaction"))
	mock.ExpectRollback()

	next, err := queue.Next(context.Background(), device, "")
	require.Error(t, err)
	assert.Nil(t, next)
	assert.Contains(t, err.Error(), "read-only")
	assert.NoError(t, mock.ExpectationsWereMet())
}
