package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mdmdirector/mdmrelay/log"
	"github.com/pkg/errors"
)

type Settings struct {
	ConnectionString string `json:"connection_string"`
}

// LoadSettings reads settings.json from dir. A missing file yields empty
// settings.
func LoadSettings(dir string) (*Settings, error) {
	var settings Settings

	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	if os.IsNotExist(err) {
		log.Debugf("no settings.json in %s", dir)
		return &settings, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read settings")
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Warnf("settings.json in %s is not valid JSON", dir)
		return nil, errors.Wrap(err, "parse settings")
	}
	return &settings, nil
}
