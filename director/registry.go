package director

import (
	"context"
	"regexp"
	"time"

	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var udidPattern = regexp.MustCompile(`^[0-9A-Fa-f-]{1,36}$`)

// CheckIn is what a device presents when it authenticates or refreshes its
// push token. Empty token fields leave the stored values untouched.
type CheckIn struct {
	UDID             string
	SerialNumber     string
	Topic            string
	PushToken        []byte
	PushMagic        string
	UnlockToken      []byte
	EnrollmentSecret string
}

// Registry owns enrolled devices and the lookups used to pick notification
// targets.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

func validateCheckIn(in CheckIn) error {
	if !udidPattern.MatchString(in.UDID) {
		return newValidationError("udid", "%q is not a valid UDID", in.UDID)
	}
	if in.Topic == "" {
		return newValidationError("topic", "missing push topic")
	}
	return nil
}

func (r *Registry) pushCertificateForTopic(tx *gorm.DB, topic string) (*types.PushCertificate, error) {
	var cert types.PushCertificate
	err := tx.Where("topic = ?", topic).First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newValidationError("topic", "no push certificate for topic %q", topic)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load push certificate")
	}
	if !cert.ValidAt(r.now()) {
		return nil, newValidationError("topic", "push certificate for topic %q is not valid", topic)
	}
	return &cert, nil
}

// UpsertCheckIn creates the enrollment identified by the UDID, or refreshes
// an existing one. The UDID and creation time of an existing row never
// change.
func (r *Registry) UpsertCheckIn(uow *UnitOfWork, in CheckIn) (*types.EnrolledDevice, error) {
	if err := validateCheckIn(in); err != nil {
		return nil, err
	}
	tx := uow.Tx

	cert, err := r.pushCertificateForTopic(tx, in.Topic)
	if err != nil {
		return nil, err
	}

	var secretID *uint
	if in.EnrollmentSecret != "" {
		var secret types.EnrollmentSecret
		err := tx.Where("secret = ?", in.EnrollmentSecret).First(&secret).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newValidationError("enrollment_secret", "unknown enrollment secret")
		}
		if err != nil {
			return nil, errors.Wrap(err, "load enrollment secret")
		}
		secretID = &secret.ID
	}

	var device types.EnrolledDevice
	err = tx.Where("udid = ?", in.UDID).First(&device).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if in.SerialNumber == "" {
			return nil, newValidationError("serial_number", "missing serial number for new enrollment")
		}
		device = types.EnrolledDevice{
			UDID:               in.UDID,
			SerialNumber:       in.SerialNumber,
			PushToken:          in.PushToken,
			UnlockToken:        in.UnlockToken,
			PushCertificateID:  cert.ID,
			EnrollmentSecretID: secretID,
		}
		if in.PushMagic != "" {
			device.PushMagic = lo.ToPtr(in.PushMagic)
		}
		if err := tx.Omit(clause.Associations).Create(&device).Error; err != nil {
			return nil, translateDBError(err, "create enrolled device")
		}
		InfoLogger(LogHolder{DeviceUDID: device.UDID, DeviceSerial: device.SerialNumber, Message: "new enrollment"})
	case err != nil:
		return nil, errors.Wrap(err, "load enrolled device")
	default:
		if in.SerialNumber != "" {
			device.SerialNumber = in.SerialNumber
		}
		if len(in.PushToken) > 0 {
			device.PushToken = in.PushToken
		}
		if in.PushMagic != "" {
			device.PushMagic = lo.ToPtr(in.PushMagic)
		}
		if len(in.UnlockToken) > 0 {
			device.UnlockToken = in.UnlockToken
		}
		if secretID != nil {
			device.EnrollmentSecretID = secretID
		}
		device.PushCertificateID = cert.ID
		device.CheckedOutAt = nil
		if err := tx.Omit(clause.Associations).Save(&device).Error; err != nil {
			return nil, translateDBError(err, "update enrolled device")
		}
	}

	device.PushCertificate = cert
	return &device, nil
}

// CheckOut marks the enrollment as removed from management. The row is
// kept; it simply stops being a push target.
func (r *Registry) CheckOut(uow *UnitOfWork, udid string) (*types.EnrolledDevice, error) {
	var device types.EnrolledDevice
	err := uow.Tx.Where("udid = ?", udid).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newValidationError("udid", "unknown device %q", udid)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load enrolled device")
	}
	now := r.now()
	device.CheckedOutAt = &now
	device.PushToken = nil
	device.PushMagic = nil
	if err := uow.Tx.Omit(clause.Associations).Save(&device).Error; err != nil {
		return nil, translateDBError(err, "check out enrolled device")
	}
	return &device, nil
}

func (r *Registry) GetByUDID(ctx context.Context, udid string) (*types.EnrolledDevice, error) {
	var device types.EnrolledDevice
	err := r.db.WithContext(ctx).Preload("PushCertificate").Where("udid = ?", udid).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newValidationError("udid", "unknown device %q", udid)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load enrolled device")
	}
	return &device, nil
}

func (r *Registry) Get(ctx context.Context, id uint) (*types.EnrolledDevice, error) {
	var device types.EnrolledDevice
	err := r.db.WithContext(ctx).Preload("PushCertificate").First(&device, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newValidationError("device", "unknown device %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load enrolled device")
	}
	return &device, nil
}

// ResolveBySerial returns every enrollment a serial number has had, most
// recently updated first. The first entry is the authoritative one.
func (r *Registry) ResolveBySerial(ctx context.Context, serial string) ([]types.EnrolledDevice, error) {
	var devices []types.EnrolledDevice
	err := r.db.WithContext(ctx).
		Preload("PushCertificate").
		Where("serial_number = ?", serial).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&devices).Error
	if err != nil {
		return nil, errors.Wrap(err, "resolve devices by serial")
	}
	return devices, nil
}

// ResolveByBusinessUnit returns one enrollment per serial number among the
// devices enrolled with the business unit's secrets: the most recently
// updated one.
func (r *Registry) ResolveByBusinessUnit(ctx context.Context, businessUnitID uint) ([]types.EnrolledDevice, error) {
	return r.devicesForBusinessUnit(r.db.WithContext(ctx), businessUnitID)
}

// DevicesForBusinessUnit is ResolveByBusinessUnit inside a unit of work.
func (r *Registry) DevicesForBusinessUnit(uow *UnitOfWork, businessUnitID uint) ([]types.EnrolledDevice, error) {
	return r.devicesForBusinessUnit(uow.Tx, businessUnitID)
}

func (r *Registry) devicesForBusinessUnit(db *gorm.DB, businessUnitID uint) ([]types.EnrolledDevice, error) {
	secrets := db.Session(&gorm.Session{NewDB: true}).
		Model(&types.EnrollmentSecret{}).
		Select("id").
		Where("business_unit_id = ?", businessUnitID)

	var devices []types.EnrolledDevice
	err := db.
		Preload("PushCertificate").
		Where("enrollment_secret_id IN (?)", secrets).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&devices).Error
	if err != nil {
		return nil, errors.Wrap(err, "resolve devices by business unit")
	}

	return lo.UniqBy(devices, func(d types.EnrolledDevice) string {
		return d.SerialNumber
	}), nil
}
