package prometheus

import (
	"time"

	"github.com/mdmdirector/mdmrelay/log"
	"github.com/mdmdirector/mdmrelay/types"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const refreshInterval = 10 * time.Second

// Metrics registers the fleet gauges and refreshes them from db in the
// background.
func Metrics(db *gorm.DB) {
	enrolledDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mdmrelay",
		Subsystem: "devices",
		Name:      "enrolled",
		Help:      "Number of enrollments that have not checked out.",
	})
	activePolicies := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mdmrelay",
		Subsystem: "policies",
		Name:      "active",
		Help:      "Number of active policies, by kind.",
	}, []string{"kind"})
	pendingCommands := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mdmrelay",
		Subsystem: "commands",
		Name:      "pending",
		Help:      "Number of device commands waiting to be delivered.",
	})
	prometheus.MustRegister(enrolledDevices, activePolicies, pendingCommands)

	go func() {
		for range time.Tick(refreshInterval) {
			refresh(db, enrolledDevices, activePolicies, pendingCommands)
		}
	}()
}

func refresh(db *gorm.DB, enrolledDevices prometheus.Gauge, activePolicies *prometheus.GaugeVec, pendingCommands prometheus.Gauge) {
	var count int64
	if err := db.Model(&types.EnrolledDevice{}).Where("checked_out_at IS NULL").Count(&count).Error; err != nil {
		log.Error(err)
	} else {
		enrolledDevices.Set(float64(count))
	}

	var rows []struct {
		Kind  string
		Count int64
	}
	err := db.Model(&types.Policy{}).
		Select("kind, count(*) AS count").
		Where("trashed_at IS NULL").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		log.Error(err)
	} else {
		activePolicies.Reset()
		for _, row := range rows {
			activePolicies.WithLabelValues(row.Kind).Set(float64(row.Count))
		}
	}

	count = 0
	if err := db.Model(&types.DeviceCommand{}).Where("status = ? OR status = ?", "", types.CommandNotNow).Count(&count).Error; err != nil {
		log.Error(err)
	} else {
		pendingCommands.Set(float64(count))
	}
}
