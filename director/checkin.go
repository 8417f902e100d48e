package director

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mdmdirector/mdmrelay/mdm"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const maxMessageSize = 1 << 20

// Server serves the device-facing MDM endpoints.
type Server struct {
	DB       *gorm.DB
	Registry *Registry
	Commands *CommandQueue
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	return body, nil
}

func writeError(w http.ResponseWriter, err error) {
	var malformed *mdm.MalformedEnvelopeError
	switch {
	case errors.As(err, &malformed), IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		ErrorLogger(LogHolder{Message: err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// CheckinHandler handles Authenticate, TokenUpdate and CheckOut messages.
// The enrollment secret travels in the "secret" query parameter.
func (s *Server) CheckinHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := mdm.DecodeCheckIn(body)
	if err != nil {
		writeError(w, err)
		return
	}

	var device *types.EnrolledDevice
	switch msg.MessageType {
	case "Authenticate", "TokenUpdate":
		err = RunInTransaction(r.Context(), s.DB, func(uow *UnitOfWork) error {
			device, err = s.Registry.UpsertCheckIn(uow, CheckIn{
				UDID:             msg.UDID,
				SerialNumber:     msg.SerialNumber,
				Topic:            msg.Topic,
				PushToken:        msg.Token,
				PushMagic:        msg.PushMagic,
				UnlockToken:      msg.UnlockToken,
				EnrollmentSecret: r.URL.Query().Get("secret"),
			})
			return err
		})
	case "CheckOut":
		err = RunInTransaction(r.Context(), s.DB, func(uow *UnitOfWork) error {
			device, err = s.Registry.CheckOut(uow, msg.UDID)
			return err
		})
	default:
		err = newValidationError("MessageType", "unsupported message type %q", msg.MessageType)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	DebugLogger(LogHolder{DeviceUDID: device.UDID, DeviceSerial: device.SerialNumber, Message: msg.MessageType})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(device); err != nil {
		ErrorLogger(LogHolder{DeviceUDID: device.UDID, Message: errors.Wrap(err, "encode device").Error()})
	}
}

// ConnectHandler records the device's result for its previous command and
// answers with the next command body, or an empty response.
func (s *Server) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ack, err := mdm.DecodeAcknowledgement(body)
	if err != nil {
		writeError(w, err)
		return
	}
	device, err := s.Registry.GetByUDID(r.Context(), ack.UDID)
	if err != nil {
		if IsValidation(err) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeError(w, err)
		return
	}

	command, err := s.Commands.NextCommand(r.Context(), *device, *ack)
	if err != nil {
		writeError(w, err)
		return
	}
	if command == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	DebugLogger(LogHolder{
		DeviceUDID:         device.UDID,
		DeviceSerial:       device.SerialNumber,
		CommandUUID:        command.UUID,
		CommandRequestType: command.RequestType,
		Message:            "sending command",
	})
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(command.Body)
}
