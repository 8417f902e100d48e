package director

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mdmdirector/mdmrelay/builders"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Service is the administrative surface. Every write runs in one unit of
// work: the policy change, the device commands it implies, and the
// notification registered for after the commit.
type Service struct {
	DB        *gorm.DB
	Policies  *PolicyStore
	Registry  *Registry
	Commands  *CommandQueue
	Notifier  *Notifier
	Builders  *builders.Registry
	ServerURL string
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logPolicy(policy *types.Policy, message string) {
	InfoLogger(LogHolder{
		BusinessUnitID: policy.BusinessUnitID,
		PolicyID:       policy.ID,
		PolicyKind:     string(policy.Kind),
		Message:        message,
	})
}

// queueForBusinessUnit queues one command per device enrolled in the unit
// and returns how many were queued.
func (s *Service) queueForBusinessUnit(uow *UnitOfWork, businessUnitID uint, requestType string, dictionary map[string]interface{}) (int, error) {
	devices, err := s.Registry.DevicesForBusinessUnit(uow, businessUnitID)
	if err != nil {
		return 0, err
	}
	for i, device := range devices {
		if _, err := s.Commands.Enqueue(uow, device, requestType, dictionary); err != nil {
			return i, err
		}
	}
	return len(devices), nil
}

// queueInstall queues what a device needs to apply the policy's current
// content.
func (s *Service) queueInstall(uow *UnitOfWork, policy *types.Policy) (int, error) {
	switch policy.Kind {
	case types.KindKernelExtensionPolicy:
		profile, err := BuildKernelExtensionPolicyProfile(policy)
		if err != nil {
			return 0, err
		}
		return s.queueForBusinessUnit(uow, policy.BusinessUnitID, "InstallProfile", map[string]interface{}{"Payload": profile})
	case types.KindConfigurationProfile:
		var content types.ConfigurationProfileContent
		if err := policy.DecodeContent(&content); err != nil {
			return 0, errors.Wrap(err, "decode configuration profile")
		}
		return s.queueForBusinessUnit(uow, policy.BusinessUnitID, "InstallProfile", map[string]interface{}{"Payload": content.Source})
	case types.KindEnrollmentPackage:
		return s.queueForBusinessUnit(uow, policy.BusinessUnitID, "InstallEnterpriseApplication", map[string]interface{}{
			"ManifestURL": s.manifestURL(policy),
		})
	}
	return 0, newValidationError("kind", "unknown policy kind %q", policy.Kind)
}

// installedProfileIdentifier is the identifier of the profile the policy
// puts on devices. ok is false for kinds that install no profile.
func installedProfileIdentifier(policy *types.Policy) (identifier string, ok bool, err error) {
	switch policy.Kind {
	case types.KindKernelExtensionPolicy:
		return kextPolicyIdentifier(policy), true, nil
	case types.KindConfigurationProfile:
		var content types.ConfigurationProfileContent
		if err := policy.DecodeContent(&content); err != nil {
			return "", false, errors.Wrap(err, "decode configuration profile")
		}
		return content.PayloadIdentifier, true, nil
	}
	return "", false, nil
}

// queueRemoval queues what a device needs to drop the profile installed by
// policy. Installed enrollment packages cannot be removed over MDM, so
// nothing is queued for them.
func (s *Service) queueRemoval(uow *UnitOfWork, policy *types.Policy) (int, error) {
	identifier, ok, err := installedProfileIdentifier(policy)
	if err != nil || !ok {
		return 0, err
	}
	return s.queueForBusinessUnit(uow, policy.BusinessUnitID, "RemoveProfile", map[string]interface{}{"Identifier": identifier})
}

// queueReplacedRemoval removes the profile of a replaced policy when the new
// content installs under a different identifier. A profile installed under
// the same identifier is overwritten by the install itself.
func (s *Service) queueReplacedRemoval(uow *UnitOfWork, policy, replaced *types.Policy) error {
	previous, ok, err := installedProfileIdentifier(replaced)
	if err != nil || !ok {
		return err
	}
	current, _, err := installedProfileIdentifier(policy)
	if err != nil {
		return err
	}
	if previous == current {
		return nil
	}
	_, err = s.queueRemoval(uow, replaced)
	return err
}

func (s *Service) manifestURL(policy *types.Policy) string {
	return fmt.Sprintf("%s/enrollment_packages/%d/%d/manifest.plist", s.ServerURL, policy.ID, policy.Version)
}

// createPolicy writes content as the active policy of kind, queues its
// install and notifies the unit once committed.
func (s *Service) createPolicy(ctx context.Context, businessUnitID uint, kind types.PolicyKind, content interface{}) (*types.Policy, error) {
	var policy *types.Policy
	err := RunInTransaction(ctx, s.DB, func(uow *UnitOfWork) error {
		p, replaced, err := s.Policies.Replace(uow, businessUnitID, kind, content)
		if err != nil {
			return err
		}
		if _, err := s.queueInstall(uow, p); err != nil {
			return err
		}
		if replaced != nil {
			if err := s.queueReplacedRemoval(uow, p, replaced); err != nil {
				return err
			}
		}
		s.Notifier.NotifyAfterCommit(uow, BusinessUnitTarget(businessUnitID))
		policy = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logPolicy(policy, "policy saved")
	return policy, nil
}

func (s *Service) updatePolicy(ctx context.Context, policy *types.Policy, content interface{}) error {
	read := *policy
	err := RunInTransaction(ctx, s.DB, func(uow *UnitOfWork) error {
		if err := s.Policies.Update(uow, policy, content); err != nil {
			return err
		}
		if _, err := s.queueInstall(uow, policy); err != nil {
			return err
		}
		s.Notifier.NotifyAfterCommit(uow, BusinessUnitTarget(policy.BusinessUnitID))
		return nil
	})
	if err != nil {
		*policy = read
		return err
	}
	s.logPolicy(policy, "policy updated")
	return nil
}

func (s *Service) CreateKernelExtensionPolicy(ctx context.Context, businessUnitID uint, content types.KernelExtensionPolicyContent) (*types.Policy, error) {
	return s.createPolicy(ctx, businessUnitID, types.KindKernelExtensionPolicy, content)
}

// UpdateKernelExtensionPolicy replaces the content of policy, which must be
// the version the caller read.
func (s *Service) UpdateKernelExtensionPolicy(ctx context.Context, policy *types.Policy, content types.KernelExtensionPolicyContent) error {
	if policy.Kind != types.KindKernelExtensionPolicy {
		return newValidationError("kind", "policy %d is a %s", policy.ID, policy.Kind)
	}
	return s.updatePolicy(ctx, policy, content)
}

// UploadConfigurationProfile makes the uploaded profile, signed or not, the
// business unit's active configuration profile.
func (s *Service) UploadConfigurationProfile(ctx context.Context, businessUnitID uint, data []byte) (*types.Policy, error) {
	content, err := ParseConfigurationProfile(data, s.now())
	if err != nil {
		return nil, err
	}
	return s.createPolicy(ctx, businessUnitID, types.KindConfigurationProfile, content)
}

func (s *Service) CreateEnrollmentPackage(ctx context.Context, businessUnitID uint, builderKey string) (*types.Policy, error) {
	builder, ok := s.Builders.Get(builderKey)
	if !ok {
		return nil, newValidationError("builder", "unknown enrollment package builder %q", builderKey)
	}
	return s.createPolicy(ctx, businessUnitID, types.KindEnrollmentPackage, types.EnrollmentPackageContent{
		Builder:     builder.Key,
		BuilderName: builder.Name,
	})
}

// TrashPolicy soft-deletes policy and queues its removal from devices.
// Devices are only woken when a removal was queued. Trashing a trashed
// policy changes nothing and notifies no one.
func (s *Service) TrashPolicy(ctx context.Context, policy *types.Policy) error {
	read := *policy
	trashed := false
	err := RunInTransaction(ctx, s.DB, func(uow *UnitOfWork) error {
		changed, err := s.Policies.Trash(uow, policy)
		if err != nil || !changed {
			return err
		}
		queued, err := s.queueRemoval(uow, policy)
		if err != nil {
			return err
		}
		if queued > 0 {
			s.Notifier.NotifyAfterCommit(uow, BusinessUnitTarget(policy.BusinessUnitID))
		}
		trashed = true
		return nil
	})
	if err != nil {
		*policy = read
		return err
	}
	if trashed {
		s.logPolicy(policy, "policy trashed")
	}
	return nil
}

// PokeDevice asks one device to check in now.
func (s *Service) PokeDevice(ctx context.Context, deviceID uint) error {
	device, err := s.Registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	InfoLogger(LogHolder{DeviceUDID: device.UDID, DeviceSerial: device.SerialNumber, Message: "poking device"})
	return s.Notifier.NotifyNow(ctx, DeviceTarget(device.ID))
}

// DeviceHistory lists the enrollments of a serial number, newest first.
func (s *Service) DeviceHistory(ctx context.Context, serial string) ([]types.EnrolledDevice, error) {
	return s.Registry.ResolveBySerial(ctx, serial)
}

// PokeHandler pushes to the device named in the URL.
func (s *Service) PokeHandler(w http.ResponseWriter, r *http.Request) {
	device, err := s.Registry.GetByUDID(r.Context(), mux.Vars(r)["udid"])
	if err != nil {
		if IsValidation(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}
	if err := s.PokeDevice(r.Context(), device.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
