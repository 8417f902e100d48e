package types

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type PolicyKind string

const (
	KindKernelExtensionPolicy PolicyKind = "kernel_extension_policy"
	KindConfigurationProfile  PolicyKind = "configuration_profile"
	KindEnrollmentPackage     PolicyKind = "enrollment_package"
)

func (k PolicyKind) Valid() bool {
	switch k {
	case KindKernelExtensionPolicy, KindConfigurationProfile, KindEnrollmentPackage:
		return true
	}
	return false
}

type PolicyState string

const (
	PolicyActive  PolicyState = "active"
	PolicyTrashed PolicyState = "trashed"
)

// Policy is a versioned, trashable piece of device configuration scoped to a
// business unit. At most one non-trashed policy exists per
// (BusinessUnitID, Kind).
type Policy struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	BusinessUnitID uint           `gorm:"index:idx_policies_unit_kind;not null" json:"business_unit_id"`
	BusinessUnit   *BusinessUnit  `json:"-"`
	Kind           PolicyKind     `gorm:"size:64;index:idx_policies_unit_kind;not null" json:"kind"`
	Content        datatypes.JSON `json:"content"`
	Version        int            `gorm:"not null" json:"version"`
	TrashedAt      *time.Time     `gorm:"index" json:"trashed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"<-:create" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (p *Policy) State() PolicyState {
	if p.TrashedAt != nil {
		return PolicyTrashed
	}
	return PolicyActive
}

func (p *Policy) DecodeContent(v interface{}) error {
	return json.Unmarshal(p.Content, v)
}

// KernelExtensionPolicyContent mirrors the com.apple.syspolicy.kernel-extension-policy payload.
type KernelExtensionPolicyContent struct {
	AllowUserOverrides      bool                `json:"allow_user_overrides"`
	AllowedTeamIdentifiers  []string            `json:"allowed_team_identifiers,omitempty"`
	AllowedKernelExtensions map[string][]string `json:"allowed_kernel_extensions,omitempty"`
}

type ConfigurationProfileContent struct {
	PayloadIdentifier  string `json:"payload_identifier"`
	PayloadUUID        string `json:"payload_uuid"`
	PayloadDisplayName string `json:"payload_display_name,omitempty"`
	PayloadDescription string `json:"payload_description,omitempty"`
	Signed             bool   `json:"signed"`
	Source             []byte `json:"source"`
}

type EnrollmentPackageContent struct {
	Builder     string `json:"builder"`
	BuilderName string `json:"builder_name"`
}
