package director

import (
	"crypto/x509/pkix"
	"fmt"
	"testing"
	"time"

	"github.com/fullsailor/pkcs7"
	"github.com/google/uuid"
	"github.com/groob/plist"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testProfile(identifier, payloadUUID, payloadType string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>PayloadContent</key>
	<array/>
	<key>PayloadDisplayName</key>
	<string>Office Wi-Fi</string>
	<key>PayloadIdentifier</key>
	<string>%s</string>
	<key>PayloadType</key>
	<string>%s</string>
	<key>PayloadUUID</key>
	<string>%s</string>
	<key>PayloadVersion</key>
	<integer>1</integer>
</dict>
</plist>
`, identifier, payloadType, payloadUUID))
}

func signProfile(t *testing.T, data []byte, notBefore, notAfter time.Time) []byte {
	t.Helper()
	cert, key := selfSignedCertificate(t, pkix.Name{CommonName: "Profile Signing"}, notBefore, notAfter)
	signed, err := pkcs7.NewSignedData(data)
	require.NoError(t, err)
	require.NoError(t, signed.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	der, err := signed.Finish()
	require.NoError(t, err)
	return der
}

func TestBuildKernelExtensionPolicyProfile(t *testing.T) {
	policy := &types.Policy{
		ID:             7,
		BusinessUnitID: 3,
		Kind:           types.KindKernelExtensionPolicy,
		Version:        2,
		Content:        datatypes.JSON(`{"allowed_team_identifiers":["EQHXZ8M8AV"],"allowed_kernel_extensions":{"VB5E2TV963":["org.virtualbox.kext.VBoxDrv"]}}`),
	}

	first, err := BuildKernelExtensionPolicyProfile(policy)
	require.NoError(t, err)
	second, err := BuildKernelExtensionPolicyProfile(policy)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var profile mobileconfig
	require.NoError(t, plist.Unmarshal(first, &profile))
	assert.Equal(t, "mdmrelay.kernel-extension-policy.3", profile.PayloadIdentifier)
	assert.Equal(t, "Configuration", profile.PayloadType)
	require.Len(t, profile.PayloadContent, 1)
	payload := profile.PayloadContent[0]
	assert.Equal(t, kextPolicyPayloadType, payload.PayloadType)
	assert.Equal(t, []string{"EQHXZ8M8AV"}, payload.AllowedTeamIdentifiers)
	assert.Equal(t, []string{"org.virtualbox.kext.VBoxDrv"}, payload.AllowedKernelExtensions["VB5E2TV963"])

	policy.Version = 3
	third, err := BuildKernelExtensionPolicyProfile(policy)
	require.NoError(t, err)
	var revised mobileconfig
	require.NoError(t, plist.Unmarshal(third, &revised))
	assert.Equal(t, profile.PayloadIdentifier, revised.PayloadIdentifier)
	assert.NotEqual(t, profile.PayloadUUID, revised.PayloadUUID)
}

func TestParseConfigurationProfile(t *testing.T) {
	now := time.Now()
	payloadUUID := uuid.NewString()
	unsigned := testProfile("com.example.wifi", payloadUUID, "Configuration")

	tests := []struct {
		name       string
		data       []byte
		wantSigned bool
		wantErr    bool
	}{
		{name: "unsigned", data: unsigned},
		{name: "signed", data: signProfile(t, unsigned, now.Add(-time.Hour), now.Add(time.Hour)), wantSigned: true},
		{name: "expired signer", data: signProfile(t, unsigned, now.Add(-48*time.Hour), now.Add(-24*time.Hour)), wantErr: true},
		{name: "wrong payload type", data: testProfile("com.example.wifi", payloadUUID, "com.apple.wifi.managed"), wantErr: true},
		{name: "missing identifier", data: testProfile("", payloadUUID, "Configuration"), wantErr: true},
		{name: "bad uuid", data: testProfile("com.example.wifi", "not-a-uuid", "Configuration"), wantErr: true},
		{name: "garbage", data: []byte("garbage"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := ParseConfigurationProfile(tt.data, now)
			if tt.wantErr {
				assert.True(t, IsValidation(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "com.example.wifi", content.PayloadIdentifier)
			assert.Equal(t, payloadUUID, content.PayloadUUID)
			assert.Equal(t, "Office Wi-Fi", content.PayloadDisplayName)
			assert.Equal(t, tt.wantSigned, content.Signed)
			assert.Equal(t, tt.data, content.Source)
		})
	}
}
