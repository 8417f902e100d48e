package director

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fullsailor/pkcs7"
	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
)

const kextPolicyPayloadType = "com.apple.syspolicy.kernel-extension-policy"

var profileNamespace = uuid.MustParse("6f1d3f0e-96b9-4d54-9a43-2d6bbf5e0c7a")

type kextPolicyPayload struct {
	PayloadType             string              `plist:"PayloadType"`
	PayloadVersion          int                 `plist:"PayloadVersion"`
	PayloadIdentifier       string              `plist:"PayloadIdentifier"`
	PayloadUUID             string              `plist:"PayloadUUID"`
	PayloadDisplayName      string              `plist:"PayloadDisplayName"`
	AllowUserOverrides      bool                `plist:"AllowUserOverrides"`
	AllowedTeamIdentifiers  []string            `plist:"AllowedTeamIdentifiers,omitempty"`
	AllowedKernelExtensions map[string][]string `plist:"AllowedKernelExtensions,omitempty"`
}

type mobileconfig struct {
	PayloadContent     []kextPolicyPayload `plist:"PayloadContent"`
	PayloadDisplayName string              `plist:"PayloadDisplayName"`
	PayloadIdentifier  string              `plist:"PayloadIdentifier"`
	PayloadScope       string              `plist:"PayloadScope"`
	PayloadType        string              `plist:"PayloadType"`
	PayloadUUID        string              `plist:"PayloadUUID"`
	PayloadVersion     int                 `plist:"PayloadVersion"`
}

// kextPolicyIdentifier is stable for a business unit so that a revised
// policy replaces the profile installed by the previous one.
func kextPolicyIdentifier(policy *types.Policy) string {
	return fmt.Sprintf("mdmrelay.kernel-extension-policy.%d", policy.BusinessUnitID)
}

// BuildKernelExtensionPolicyProfile renders a policy as a configuration
// profile ready for InstallProfile.
func BuildKernelExtensionPolicyProfile(policy *types.Policy) ([]byte, error) {
	var content types.KernelExtensionPolicyContent
	if err := policy.DecodeContent(&content); err != nil {
		return nil, errors.Wrap(err, "decode kernel extension policy")
	}

	identifier := kextPolicyIdentifier(policy)
	seed := fmt.Sprintf("%d:%d", policy.ID, policy.Version)
	profile := mobileconfig{
		PayloadContent: []kextPolicyPayload{{
			PayloadType:             kextPolicyPayloadType,
			PayloadVersion:          1,
			PayloadIdentifier:       identifier + ".payload",
			PayloadUUID:             uuid.NewSHA1(profileNamespace, []byte("payload:"+seed)).String(),
			PayloadDisplayName:      "Kernel extension policy",
			AllowUserOverrides:      content.AllowUserOverrides,
			AllowedTeamIdentifiers:  content.AllowedTeamIdentifiers,
			AllowedKernelExtensions: content.AllowedKernelExtensions,
		}},
		PayloadDisplayName: "Kernel extension policy",
		PayloadIdentifier:  identifier,
		PayloadScope:       "System",
		PayloadType:        "Configuration",
		PayloadUUID:        uuid.NewSHA1(profileNamespace, []byte("profile:"+seed)).String(),
		PayloadVersion:     1,
	}

	data, err := plist.MarshalIndent(profile, "\t")
	if err != nil {
		return nil, errors.Wrap(err, "encode kernel extension policy profile")
	}
	return data, nil
}

type profileHeader struct {
	PayloadIdentifier  string `plist:"PayloadIdentifier"`
	PayloadUUID        string `plist:"PayloadUUID"`
	PayloadDisplayName string `plist:"PayloadDisplayName"`
	PayloadDescription string `plist:"PayloadDescription"`
	PayloadType        string `plist:"PayloadType"`
}

func looksLikePropertyList(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.HasPrefix(trimmed, []byte("<?xml")) ||
		bytes.HasPrefix(trimmed, []byte("<plist")) ||
		bytes.HasPrefix(trimmed, []byte("bplist00"))
}

// ParseConfigurationProfile reads an uploaded profile, unwrapping and
// verifying a CMS signature if there is one.
func ParseConfigurationProfile(data []byte, now time.Time) (*types.ConfigurationProfileContent, error) {
	payload := data
	signed := false
	if !looksLikePropertyList(data) {
		p7, err := pkcs7.Parse(data)
		if err != nil {
			return nil, newValidationError("profile", "neither a property list nor signed data")
		}
		if err := p7.Verify(); err != nil {
			return nil, newValidationError("profile", "signature verification failed: %v", err)
		}
		for _, cert := range p7.Certificates {
			if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
				return nil, newValidationError("profile", "signing certificate %q is not valid", cert.Subject.CommonName)
			}
		}
		payload = p7.Content
		signed = true
	}

	var header profileHeader
	if err := plist.Unmarshal(payload, &header); err != nil {
		return nil, newValidationError("profile", "unreadable property list: %v", err)
	}
	if header.PayloadType != "Configuration" {
		return nil, newValidationError("profile", "PayloadType is %q, expected Configuration", header.PayloadType)
	}
	if header.PayloadIdentifier == "" {
		return nil, newValidationError("profile", "missing PayloadIdentifier")
	}
	if _, err := uuid.Parse(header.PayloadUUID); err != nil {
		return nil, newValidationError("profile", "invalid PayloadUUID %q", header.PayloadUUID)
	}

	return &types.ConfigurationProfileContent{
		PayloadIdentifier:  header.PayloadIdentifier,
		PayloadUUID:        header.PayloadUUID,
		PayloadDisplayName: header.PayloadDisplayName,
		PayloadDescription: header.PayloadDescription,
		Signed:             signed,
		Source:             data,
	}, nil
}
