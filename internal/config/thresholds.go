package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/airaware/airaware/internal/rules"
)

// Thresholds resolves the alert limits for a sensor: stock defaults,
// optionally overridden globally and per sensor from the thresholds file.
// Overrides are merged at load time; For is a map lookup.
type Thresholds struct {
	defaults  rules.Limits
	perSensor map[string]rules.Limits
}

// thresholdsFile mirrors the YAML override file:
//
//	defaults:
//	  co2_warning: 800
//	sensors:
//	  SENSOR_TUNIS_001:
//	    pm25_warning: 20
//	    pm25_critical: 45
type thresholdsFile struct {
	Defaults limitsOverride            `yaml:"defaults"`
	Sensors  map[string]limitsOverride `yaml:"sensors"`
}

// limitsOverride is a partial Limits: only the fields present in the file
// replace the corresponding default.
type limitsOverride struct {
	CO2Warning  *float64 `yaml:"co2_warning"`
	CO2Critical *float64 `yaml:"co2_critical"`
	CO2Danger   *float64 `yaml:"co2_danger"`

	PM25Warning  *float64 `yaml:"pm25_warning"`
	PM25Critical *float64 `yaml:"pm25_critical"`
	PM25Danger   *float64 `yaml:"pm25_danger"`

	PM10Warning  *float64 `yaml:"pm10_warning"`
	PM10Critical *float64 `yaml:"pm10_critical"`

	VOCWarning  *float64 `yaml:"voc_warning"`
	VOCCritical *float64 `yaml:"voc_critical"`

	TempHighWarning  *float64 `yaml:"temp_high_warning"`
	TempHighCritical *float64 `yaml:"temp_high_critical"`
	TempLowWarning   *float64 `yaml:"temp_low_warning"`
	TempLowCritical  *float64 `yaml:"temp_low_critical"`

	HumidityHighWarning  *float64 `yaml:"humidity_high_warning"`
	HumidityHighCritical *float64 `yaml:"humidity_high_critical"`
	HumidityLowWarning   *float64 `yaml:"humidity_low_warning"`
	HumidityLowCritical  *float64 `yaml:"humidity_low_critical"`
}

// apply overlays the non-nil fields of o onto lim.
func (o limitsOverride) apply(lim rules.Limits) rules.Limits {
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&lim.CO2Warning, o.CO2Warning)
	set(&lim.CO2Critical, o.CO2Critical)
	set(&lim.CO2Danger, o.CO2Danger)
	set(&lim.PM25Warning, o.PM25Warning)
	set(&lim.PM25Critical, o.PM25Critical)
	set(&lim.PM25Danger, o.PM25Danger)
	set(&lim.PM10Warning, o.PM10Warning)
	set(&lim.PM10Critical, o.PM10Critical)
	set(&lim.VOCWarning, o.VOCWarning)
	set(&lim.VOCCritical, o.VOCCritical)
	set(&lim.TempHighWarning, o.TempHighWarning)
	set(&lim.TempHighCritical, o.TempHighCritical)
	set(&lim.TempLowWarning, o.TempLowWarning)
	set(&lim.TempLowCritical, o.TempLowCritical)
	set(&lim.HumidityHighWarning, o.HumidityHighWarning)
	set(&lim.HumidityHighCritical, o.HumidityHighCritical)
	set(&lim.HumidityLowWarning, o.HumidityLowWarning)
	set(&lim.HumidityLowCritical, o.HumidityLowCritical)
	return lim
}

// LoadThresholds reads the optional override file at path. An empty path
// returns the stock defaults for every sensor.
func LoadThresholds(path string) (*Thresholds, error) {
	t := &Thresholds{
		defaults:  rules.DefaultLimits(),
		perSensor: make(map[string]rules.Limits),
	}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read thresholds %q: %w", path, err)
	}
	var file thresholdsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: cannot parse thresholds %q: %w", path, err)
	}

	t.defaults = file.Defaults.apply(t.defaults)
	for sensorID, override := range file.Sensors {
		t.perSensor[sensorID] = override.apply(t.defaults)
	}
	return t, nil
}

// For returns the limits in effect for sensorID.
func (t *Thresholds) For(sensorID string) rules.Limits {
	if lim, ok := t.perSensor[sensorID]; ok {
		return lim
	}
	return t.defaults
}
