package db

import (
	"time"

	_ "github.com/lib/pq"
	"github.com/mdmdirector/mdmrelay/log"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Open connects to postgres through the lib/pq driver.
func Open(connectionString string, debug bool) error {
	logLevel := logger.Warn
	if debug {
		logLevel = logger.Info
	}

	var err error
	DB, err = gorm.Open(postgres.New(postgres.Config{
		DriverName: "postgres",
		DSN:        connectionString,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return errors.Wrap(err, "open database")
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return errors.Wrap(err, "get database handle")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	log.Infof("connected to database, gorm log level %d", logLevel)
	return nil
}

func Migrate() error {
	log.Debugf("migrating %d models", len(types.Models()))
	return errors.Wrap(DB.AutoMigrate(types.Models()...), "migrate database")
}

func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
