package director

import (
	"context"
	"fmt"
	"time"

	"github.com/mdmdirector/mdmrelay/mdm"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/mdmdirector/mdmrelay/utils"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// PushResult is the outcome of notifying one device.
type PushResult struct {
	DeviceID     uint
	UDID         string
	SerialNumber string
	Attempts     int
	Err          error
}

func (r PushResult) OK() bool {
	return r.Err == nil
}

type DispatcherConfig struct {
	// Timeout bounds each individual send.
	Timeout     time.Duration
	Retry       utils.RetryConfig
	Concurrency int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:     10 * time.Second,
		Retry:       utils.DefaultRetryConfig(),
		Concurrency: 16,
	}
}

// Dispatcher sends push notifications to enrolled devices. A failure for one
// device never affects the others, and never the caller's transaction.
type Dispatcher struct {
	db        *gorm.DB
	registry  *Registry
	transport mdm.PushTransport
	config    DispatcherConfig
	now       func() time.Time
}

func NewDispatcher(db *gorm.DB, registry *Registry, transport mdm.PushTransport, config DispatcherConfig) *Dispatcher {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Dispatcher{
		db:        db,
		registry:  registry,
		transport: transport,
		config:    config,
		now:       time.Now,
	}
}

func (d *Dispatcher) notification(device types.EnrolledDevice) (mdm.PushNotification, error) {
	if !device.Pushable() {
		return mdm.PushNotification{}, newValidationError("device", "%s has no push credentials", device.UDID)
	}
	cert := device.PushCertificate
	if cert == nil {
		var loaded types.PushCertificate
		if err := d.db.First(&loaded, device.PushCertificateID).Error; err != nil {
			return mdm.PushNotification{}, errors.Wrap(err, "load push certificate")
		}
		cert = &loaded
	}
	if !cert.ValidAt(d.now()) {
		return mdm.PushNotification{}, newValidationError("push_certificate", "certificate for topic %q is expired or not yet valid", cert.Topic)
	}
	return mdm.PushNotification{
		Token:     device.PushToken,
		PushMagic: *device.PushMagic,
		Topic:     cert.Topic,
	}, nil
}

func (d *Dispatcher) send(ctx context.Context, n mdm.PushNotification) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	err := d.transport.Send(sendCtx, n)
	if err == nil {
		return nil
	}
	var pushErr *mdm.PushError
	if errors.As(err, &pushErr) {
		return err
	}
	return &mdm.PushError{Retryable: true, Err: err}
}

// NotifyDevice wakes a single device, retrying transient failures with
// exponential backoff.
func (d *Dispatcher) NotifyDevice(ctx context.Context, device types.EnrolledDevice) PushResult {
	result := PushResult{
		DeviceID:     device.ID,
		UDID:         device.UDID,
		SerialNumber: device.SerialNumber,
	}

	notification, err := d.notification(device)
	if err != nil {
		result.Err = err
		d.record(ctx, result)
		return result
	}

	for attempt := 0; attempt <= d.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := utils.Wait(ctx, d.config.Retry.Backoff(attempt)); err != nil {
				break
			}
		}
		result.Attempts++
		TotalPushes.Inc()
		result.Err = d.send(ctx, notification)
		if result.Err == nil {
			break
		}
		var pushErr *mdm.PushError
		if errors.As(result.Err, &pushErr) && !pushErr.Retryable {
			break
		}
	}

	if result.Err != nil {
		FailedPushes.Inc()
		WarnLogger(LogHolder{
			DeviceUDID:   device.UDID,
			DeviceSerial: device.SerialNumber,
			Message:      fmt.Sprintf("push failed after %d attempts: %v", result.Attempts, result.Err),
		})
	}
	d.record(ctx, result)
	return result
}

func (d *Dispatcher) record(ctx context.Context, result PushResult) {
	row := types.DeviceNotification{
		EnrolledDeviceID: result.DeviceID,
		Status:           types.NotificationSucceeded,
		Attempts:         result.Attempts,
	}
	if result.Err != nil {
		row.Status = types.NotificationFailed
		row.Error = result.Err.Error()
	}
	if err := d.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		ErrorLogger(LogHolder{DeviceUDID: result.UDID, Message: errors.Wrap(err, "record notification").Error()})
	}
}

// NotifyDeviceByID loads the device and notifies it.
func (d *Dispatcher) NotifyDeviceByID(ctx context.Context, id uint) (PushResult, error) {
	device, err := d.registry.Get(ctx, id)
	if err != nil {
		return PushResult{DeviceID: id}, err
	}
	return d.NotifyDevice(ctx, *device), nil
}

// NotifyBusinessUnit wakes every device enrolled in the business unit, at
// most once per serial number, with bounded concurrency. The returned slice
// holds one result per device; the error is only set if the devices could
// not be resolved.
func (d *Dispatcher) NotifyBusinessUnit(ctx context.Context, businessUnitID uint) ([]PushResult, error) {
	devices, err := d.registry.ResolveByBusinessUnit(ctx, businessUnitID)
	if err != nil {
		return nil, err
	}

	results := make([]PushResult, len(devices))
	var g errgroup.Group
	g.SetLimit(d.config.Concurrency)
	for i := range devices {
		i := i
		g.Go(func() error {
			results[i] = d.NotifyDevice(ctx, devices[i])
			return nil
		})
	}
	_ = g.Wait()

	ok, total := Summarize(results)
	InfoLogger(LogHolder{
		BusinessUnitID: businessUnitID,
		Message:        "business unit notified",
		Metric:         fmt.Sprintf("%d/%d", ok, total),
	})
	return results, nil
}

// Summarize counts successful results.
func Summarize(results []PushResult) (ok int, total int) {
	return lo.CountBy(results, PushResult.OK), len(results)
}

// DispatchScheduler delivers notifications inline with a Dispatcher.
type DispatchScheduler struct {
	Dispatcher *Dispatcher
}

func (s DispatchScheduler) Schedule(ctx context.Context, target NotificationTarget) error {
	switch target.Kind {
	case TargetDevice:
		_, err := s.Dispatcher.NotifyDeviceByID(ctx, target.ID)
		return err
	case TargetBusinessUnit:
		_, err := s.Dispatcher.NotifyBusinessUnit(ctx, target.ID)
		return err
	}
	return errors.Errorf("unknown notification target kind %q", target.Kind)
}
