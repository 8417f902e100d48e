package director

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleNotificationTask(t *testing.T) {
	tests := []struct {
		name          string
		key           string
		schedulerErr  error
		wantErr       bool
		wantScheduled bool
	}{
		{name: "device", key: "device:4", wantScheduled: true},
		{name: "business unit", key: "business_unit:2", wantScheduled: true},
		{name: "unparseable key is dropped", key: "fleet:1"},
		{name: "unknown target is dropped", key: "device:9", schedulerErr: newValidationError("device", "unknown device 9"), wantScheduled: true},
		{name: "transient failure is retried", key: "device:4", schedulerErr: errors.New("database is locked"), wantErr: true, wantScheduled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := &recordingScheduler{err: tt.schedulerErr}
			err := handleNotificationTask(context.Background(), scheduler, tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantScheduled {
				target, _ := ParseNotificationTarget(tt.key)
				assert.Equal(t, []NotificationTarget{target}, scheduler.Targets())
			} else {
				assert.Empty(t, scheduler.Targets())
			}
		})
	}
}
