package director

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mdmdirector/mdmrelay/builders"
	"github.com/mdmdirector/mdmrelay/mdm/mocks"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/mdmdirector/mdmrelay/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testTopic = "com.apple.mgmt.External.6d1f4c5a"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(types.Models()...))
	return db
}

type fixture struct {
	db       *gorm.DB
	unit     types.BusinessUnit
	secret   types.EnrollmentSecret
	cert     types.PushCertificate
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{db: db, registry: NewRegistry(db)}

	f.unit = createBusinessUnit(t, db, "Engineering")
	f.secret = createEnrollmentSecret(t, db, f.unit.ID, "eng-secret")
	f.cert = types.PushCertificate{
		Name:      "production",
		Topic:     testTopic,
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(&f.cert).Error)
	return f
}

func createBusinessUnit(t *testing.T, db *gorm.DB, name string) types.BusinessUnit {
	t.Helper()
	unit := types.BusinessUnit{Name: name}
	require.NoError(t, db.Create(&unit).Error)
	return unit
}

func createEnrollmentSecret(t *testing.T, db *gorm.DB, unitID uint, secret string) types.EnrollmentSecret {
	t.Helper()
	s := types.EnrollmentSecret{BusinessUnitID: unitID, Secret: secret}
	require.NoError(t, db.Omit("BusinessUnit").Create(&s).Error)
	return s
}

// enroll checks a device in with the fixture's secret. The push token is the
// given string, which makes mock transport calls easy to attribute.
func (f *fixture) enroll(t *testing.T, udid, serial, token string) types.EnrolledDevice {
	t.Helper()
	return f.enrollWithSecret(t, udid, serial, token, f.secret.Secret)
}

func (f *fixture) enrollWithSecret(t *testing.T, udid, serial, token, secret string) types.EnrolledDevice {
	t.Helper()
	var device *types.EnrolledDevice
	err := RunInTransaction(context.Background(), f.db, func(uow *UnitOfWork) error {
		var err error
		device, err = f.registry.UpsertCheckIn(uow, CheckIn{
			UDID:             udid,
			SerialNumber:     serial,
			Topic:            testTopic,
			PushToken:        []byte(token),
			PushMagic:        "magic-" + token,
			EnrollmentSecret: secret,
		})
		return err
	})
	require.NoError(t, err)
	return *device
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout: time.Second,
		Retry: utils.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		},
		Concurrency: 4,
	}
}

// newTestService wires a service that dispatches inline through transport.
func (f *fixture) newTestService(t *testing.T, transport *mocks.MockPushTransport) *Service {
	t.Helper()
	builderRegistry, err := builders.NewRegistry(builders.Standard()...)
	require.NoError(t, err)
	dispatcher := NewDispatcher(f.db, f.registry, transport, testDispatcherConfig())
	return &Service{
		DB:        f.db,
		Policies:  NewPolicyStore(f.db, ReplaceActive),
		Registry:  f.registry,
		Commands:  NewCommandQueue(f.db),
		Notifier:  NewNotifier(DispatchScheduler{Dispatcher: dispatcher}),
		Builders:  builderRegistry,
		ServerURL: "https://mdm.example.com",
	}
}

type recordingScheduler struct {
	mu      sync.Mutex
	targets []NotificationTarget
	err     error
}

func (s *recordingScheduler) Schedule(ctx context.Context, target NotificationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	return s.err
}

func (s *recordingScheduler) Targets() []NotificationTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NotificationTarget(nil), s.targets...)
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&count).Error)
	return count
}
