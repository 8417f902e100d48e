package director

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type TargetKind string

const (
	TargetDevice       TargetKind = "device"
	TargetBusinessUnit TargetKind = "business_unit"
)

// NotificationTarget names what should be woken up: one enrolled device, or
// every device enrolled in a business unit.
type NotificationTarget struct {
	Kind TargetKind
	ID   uint
}

func DeviceTarget(id uint) NotificationTarget {
	return NotificationTarget{Kind: TargetDevice, ID: id}
}

func BusinessUnitTarget(id uint) NotificationTarget {
	return NotificationTarget{Kind: TargetBusinessUnit, ID: id}
}

func (t NotificationTarget) Key() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

func (t NotificationTarget) String() string {
	return t.Key()
}

func ParseNotificationTarget(key string) (NotificationTarget, error) {
	kind, rawID, ok := strings.Cut(key, ":")
	if !ok {
		return NotificationTarget{}, errors.Errorf("invalid notification target %q", key)
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return NotificationTarget{}, errors.Errorf("invalid notification target id in %q", key)
	}
	switch TargetKind(kind) {
	case TargetDevice, TargetBusinessUnit:
		return NotificationTarget{Kind: TargetKind(kind), ID: uint(id)}, nil
	}
	return NotificationTarget{}, errors.Errorf("unknown notification target kind in %q", key)
}

// Scheduler hands a target over for delivery. It may deliver inline or
// enqueue the work.
type Scheduler interface {
	Schedule(ctx context.Context, target NotificationTarget) error
}

// Notifier ties push notifications to the commit of a unit of work.
type Notifier struct {
	scheduler Scheduler
}

func NewNotifier(scheduler Scheduler) *Notifier {
	return &Notifier{scheduler: scheduler}
}

// NotifyAfterCommit schedules a notification for target once uow commits.
// Repeated calls for the same target within one unit collapse into one.
func (n *Notifier) NotifyAfterCommit(uow *UnitOfWork, target NotificationTarget) {
	uow.AfterCommit(target.Key(), func(ctx context.Context) {
		n.fire(ctx, target)
	})
}

// NotifyNow schedules a notification outside any transaction.
func (n *Notifier) NotifyNow(ctx context.Context, target NotificationTarget) error {
	if err := n.scheduler.Schedule(ctx, target); err != nil {
		NotificationsDropped.Inc()
		return errors.Wrapf(err, "schedule notification for %s", target)
	}
	NotificationsScheduled.Inc()
	return nil
}

func (n *Notifier) fire(ctx context.Context, target NotificationTarget) {
	if err := n.NotifyNow(ctx, target); err != nil {
		ErrorLogger(LogHolder{Target: target.Key(), Message: err.Error()})
	}
}
