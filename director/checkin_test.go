package director

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/mdmdirector/mdmrelay/mdm"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plistBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := plist.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestCheckinHandler(t *testing.T) {
	f := newFixture(t)
	server := &Server{DB: f.db, Registry: f.registry, Commands: NewCommandQueue(f.db)}
	udid := uuid.NewString()

	req := httptest.NewRequest("PUT", "/checkin?secret=eng-secret", plistBody(t, mdm.CheckInMessage{
		MessageType:  "TokenUpdate",
		UDID:         udid,
		SerialNumber: "C02AAA",
		Topic:        testTopic,
		Token:        []byte("token-1"),
		PushMagic:    "magic",
	}))
	rr := httptest.NewRecorder()
	server.CheckinHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var device types.EnrolledDevice
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &device))
	assert.Equal(t, udid, device.UDID)
	assert.Equal(t, "C02AAA", device.SerialNumber)
	require.NotNil(t, device.EnrollmentSecretID)
	assert.Equal(t, f.secret.ID, *device.EnrollmentSecretID)

	req = httptest.NewRequest("PUT", "/checkin", plistBody(t, mdm.CheckInMessage{MessageType: "CheckOut", UDID: udid}))
	rr = httptest.NewRecorder()
	server.CheckinHandler(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	stored, err := f.registry.GetByUDID(context.Background(), udid)
	require.NoError(t, err)
	assert.NotNil(t, stored.CheckedOutAt)
	assert.False(t, stored.Pushable())
}

func TestCheckinHandler_Errors(t *testing.T) {
	f := newFixture(t)
	server := &Server{DB: f.db, Registry: f.registry, Commands: NewCommandQueue(f.db)}

	tests := []struct {
		name   string
		target string
		body   *bytes.Reader
		want   int
	}{
		{
			name:   "malformed body",
			target: "/checkin",
			body:   bytes.NewReader([]byte("nope")),
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown message type",
			target: "/checkin",
			body:   plistBody(t, mdm.CheckInMessage{MessageType: "UserAuthenticate", UDID: uuid.NewString()}),
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown secret",
			target: "/checkin?secret=other",
			body: plistBody(t, mdm.CheckInMessage{
				MessageType:  "Authenticate",
				UDID:         uuid.NewString(),
				SerialNumber: "C02AAA",
				Topic:        testTopic,
			}),
			want: http.StatusBadRequest,
		},
		{
			name:   "check out of unknown device",
			target: "/checkin",
			body:   plistBody(t, mdm.CheckInMessage{MessageType: "CheckOut", UDID: uuid.NewString()}),
			want:   http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("PUT", tt.target, tt.body)
			rr := httptest.NewRecorder()
			server.CheckinHandler(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
	assert.Equal(t, int64(0), countRows(t, f.db, &types.EnrolledDevice{}, ""))
}

func TestConnectHandler(t *testing.T) {
	f := newFixture(t)
	device := f.enroll(t, uuid.NewString(), "C02AAA", "token-1")
	queue := NewCommandQueue(f.db)
	server := &Server{DB: f.db, Registry: f.registry, Commands: queue}
	command := enqueue(t, f, queue, device, "RemoveProfile", map[string]interface{}{"Identifier": "com.example.wifi"})

	connect := func(ack mdm.Acknowledgement) *httptest.ResponseRecorder {
		req := httptest.NewRequest("PUT", "/connect", plistBody(t, ack))
		rr := httptest.NewRecorder()
		server.ConnectHandler(rr, req)
		return rr
	}

	rr := connect(mdm.Acknowledgement{UDID: device.UDID, Status: types.CommandIdle})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.Equal(t, command.Body, rr.Body.Bytes())

	rr = connect(mdm.Acknowledgement{UDID: device.UDID, Status: types.CommandAcknowledged, CommandUUID: command.UUID})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.Bytes())

	rr = connect(mdm.Acknowledgement{UDID: uuid.NewString(), Status: types.CommandIdle})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest("PUT", "/connect", bytes.NewReader([]byte("nope")))
	rr = httptest.NewRecorder()
	server.ConnectHandler(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
