package mdm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/pkg/errors"
)

// CodecVersion is stamped on every stored envelope. Readers reject bodies
// written by an incompatible major version.
const CodecVersion = "1.0"

// SupportedCodecVersions is the constraint stored envelopes must satisfy.
const SupportedCodecVersions = ">= 1.0, < 2.0"

// Command is the logical content of a device command envelope.
type Command struct {
	UUID        uuid.UUID
	RequestType string
	Dictionary  map[string]interface{}
}

type envelope struct {
	Command     map[string]interface{} `plist:"Command"`
	CommandUUID string                 `plist:"CommandUUID"`
}

// MalformedEnvelopeError is returned when a stored or received body cannot
// be read back as a command envelope.
type MalformedEnvelopeError struct {
	Reason string
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return "malformed envelope: " + e.Reason
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Err
}

// Encode builds the XML property list sent to the device. The output is
// deterministic for a given command.
func Encode(cmd Command) ([]byte, error) {
	if cmd.RequestType == "" {
		return nil, errors.New("encode command: empty request type")
	}
	if cmd.UUID == uuid.Nil {
		return nil, errors.New("encode command: nil command uuid")
	}

	payload := make(map[string]interface{}, len(cmd.Dictionary)+1)
	for k, v := range cmd.Dictionary {
		payload[k] = v
	}
	payload["RequestType"] = cmd.RequestType

	body, err := plist.MarshalIndent(envelope{
		Command:     payload,
		CommandUUID: cmd.UUID.String(),
	}, "\t")
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}
	return body, nil
}

// Decode parses an envelope produced by Encode.
func Decode(body []byte) (*Command, error) {
	var env envelope
	if err := plist.Unmarshal(body, &env); err != nil {
		return nil, &MalformedEnvelopeError{Reason: "unreadable property list", Err: err}
	}
	if env.Command == nil {
		return nil, &MalformedEnvelopeError{Reason: "missing Command"}
	}
	if env.CommandUUID == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing CommandUUID"}
	}
	id, err := uuid.Parse(env.CommandUUID)
	if err != nil {
		return nil, &MalformedEnvelopeError{Reason: "invalid CommandUUID", Err: err}
	}
	requestType, ok := env.Command["RequestType"].(string)
	if !ok || requestType == "" {
		return nil, &MalformedEnvelopeError{Reason: "missing RequestType"}
	}
	delete(env.Command, "RequestType")

	return &Command{
		UUID:        id,
		RequestType: requestType,
		Dictionary:  env.Command,
	}, nil
}

// EncodeDictionary serializes a command payload for storage.
func EncodeDictionary(dictionary map[string]interface{}) ([]byte, error) {
	if dictionary == nil {
		dictionary = map[string]interface{}{}
	}
	data, err := plist.Marshal(dictionary)
	if err != nil {
		return nil, errors.Wrap(err, "encode dictionary")
	}
	return data, nil
}

// DecodeDictionary reverses EncodeDictionary. An empty input yields an empty
// dictionary.
func DecodeDictionary(data []byte) (map[string]interface{}, error) {
	dictionary := map[string]interface{}{}
	if len(data) == 0 {
		return dictionary, nil
	}
	if err := plist.Unmarshal(data, &dictionary); err != nil {
		return nil, errors.Wrap(err, "decode dictionary")
	}
	return dictionary, nil
}
