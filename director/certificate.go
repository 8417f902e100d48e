package director

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pkcs12"
	"gorm.io/gorm/clause"
)

var oidUserID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// pushTopic extracts the APNs topic, which Apple stores in the subject UID.
func pushTopic(cert *x509.Certificate) (string, error) {
	for _, name := range cert.Subject.Names {
		if name.Type.Equal(oidUserID) {
			if topic, ok := name.Value.(string); ok && topic != "" {
				return topic, nil
			}
		}
	}
	return "", newValidationError("certificate", "no push topic in certificate subject")
}

// ImportPushCertificate stores the push certificate and key held in a
// PKCS#12 archive. A certificate with the same topic is replaced.
func (r *Registry) ImportPushCertificate(ctx context.Context, name string, p12 []byte, password string) (*types.PushCertificate, error) {
	key, cert, err := pkcs12.Decode(p12, password)
	if err != nil {
		return nil, newValidationError("certificate", "cannot read PKCS#12 archive: %v", err)
	}
	topic, err := pushTopic(cert)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "encode push certificate key")
	}

	pushCert := types.PushCertificate{
		Name:        name,
		Topic:       topic,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Certificate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		PrivateKey:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "topic"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "not_before", "not_after", "certificate", "private_key", "updated_at"}),
	}).Create(&pushCert).Error
	if err != nil {
		return nil, translateDBError(err, "store push certificate")
	}

	InfoLogger(LogHolder{Message: fmt.Sprintf("imported push certificate %q for topic %s, valid until %s", name, topic, cert.NotAfter.Format("2006-01-02"))})
	return &pushCert, nil
}
