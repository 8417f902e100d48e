package types

// Models lists every persisted type in migration order.
func Models() []interface{} {
	return []interface{}{
		&BusinessUnit{},
		&EnrollmentSecret{},
		&PushCertificate{},
		&EnrolledDevice{},
		&DeviceNotification{},
		&Policy{},
		&DeviceCommand{},
	}
}
