// Package rules turns readings into candidate alerts. Evaluation is
// stateless per reading: deduplication against previously raised alerts is
// the pipeline's job, not the evaluator's.
package rules

import (
	"fmt"
	"time"

	"github.com/airaware/airaware/internal/storage"
)

// Candidate is a proposed alert. The pipeline decides whether it becomes a
// new alert, extends an active one, or is suppressed by a cooldown.
type Candidate struct {
	Type        storage.AlertType
	Severity    storage.Severity
	Message     string
	SensorID    string
	Reading     storage.Reading
	TriggeredAt time.Time
}

// Limits holds the threshold values for every rule. HIGH rules fire on
// value > band; LOW rules fire on value < band. PM10 and VOC have no DANGER
// band. Limits are overridable per sensor through configuration.
type Limits struct {
	CO2Warning  float64 `yaml:"co2_warning"`
	CO2Critical float64 `yaml:"co2_critical"`
	CO2Danger   float64 `yaml:"co2_danger"`

	PM25Warning  float64 `yaml:"pm25_warning"`
	PM25Critical float64 `yaml:"pm25_critical"`
	PM25Danger   float64 `yaml:"pm25_danger"`

	PM10Warning  float64 `yaml:"pm10_warning"`
	PM10Critical float64 `yaml:"pm10_critical"`

	VOCWarning  float64 `yaml:"voc_warning"`
	VOCCritical float64 `yaml:"voc_critical"`

	TempHighWarning  float64 `yaml:"temp_high_warning"`
	TempHighCritical float64 `yaml:"temp_high_critical"`
	TempLowWarning   float64 `yaml:"temp_low_warning"`
	TempLowCritical  float64 `yaml:"temp_low_critical"`

	HumidityHighWarning  float64 `yaml:"humidity_high_warning"`
	HumidityHighCritical float64 `yaml:"humidity_high_critical"`
	HumidityLowWarning   float64 `yaml:"humidity_low_warning"`
	HumidityLowCritical  float64 `yaml:"humidity_low_critical"`
}

// DefaultLimits returns the stock threshold table.
func DefaultLimits() Limits {
	return Limits{
		CO2Warning:  1000,
		CO2Critical: 2000,
		CO2Danger:   5000,

		PM25Warning:  35.4,
		PM25Critical: 55.4,
		PM25Danger:   150.4,

		PM10Warning:  150,
		PM10Critical: 250,

		VOCWarning:  0.5,
		VOCCritical: 1.0,

		TempHighWarning:  30,
		TempHighCritical: 35,
		TempLowWarning:   10,
		TempLowCritical:  5,

		HumidityHighWarning:  70,
		HumidityHighCritical: 85,
		HumidityLowWarning:   30,
		HumidityLowCritical:  20,
	}
}

// Evaluate checks r against lim and returns a candidate per crossed rule,
// in rule-table order: CO2, PM2.5, PM10, VOC, temperature, humidity. The
// severity of each candidate is the highest band the value satisfies. Nil
// channels and channels flagged suspect by the codec are not evaluated.
func Evaluate(r storage.Reading, lim Limits) []Candidate {
	suspect := make(map[string]bool, len(r.Suspect))
	for _, name := range r.Suspect {
		suspect[name] = true
	}

	var out []Candidate
	emit := func(typ storage.AlertType, sev storage.Severity, msg string) {
		out = append(out, Candidate{
			Type:        typ,
			Severity:    sev,
			Message:     msg,
			SensorID:    r.SensorID,
			Reading:     r,
			TriggeredAt: r.Timestamp,
		})
	}

	if v := r.CO2; v != nil && !suspect["co2"] {
		switch {
		case *v > lim.CO2Danger:
			emit(storage.AlertCO2High, storage.SeverityDanger, highMsg("CO2", *v, lim.CO2Danger, "ppm"))
		case *v > lim.CO2Critical:
			emit(storage.AlertCO2High, storage.SeverityCritical, highMsg("CO2", *v, lim.CO2Critical, "ppm"))
		case *v > lim.CO2Warning:
			emit(storage.AlertCO2High, storage.SeverityWarning, highMsg("CO2", *v, lim.CO2Warning, "ppm"))
		}
	}

	if v := r.PM25; v != nil && !suspect["pm25"] {
		switch {
		case *v > lim.PM25Danger:
			emit(storage.AlertPM25High, storage.SeverityDanger, highMsg("PM2.5", *v, lim.PM25Danger, "µg/m³"))
		case *v > lim.PM25Critical:
			emit(storage.AlertPM25High, storage.SeverityCritical, highMsg("PM2.5", *v, lim.PM25Critical, "µg/m³"))
		case *v > lim.PM25Warning:
			emit(storage.AlertPM25High, storage.SeverityWarning, highMsg("PM2.5", *v, lim.PM25Warning, "µg/m³"))
		}
	}

	if v := r.PM10; v != nil && !suspect["pm10"] {
		switch {
		case *v > lim.PM10Critical:
			emit(storage.AlertPM10High, storage.SeverityCritical, highMsg("PM10", *v, lim.PM10Critical, "µg/m³"))
		case *v > lim.PM10Warning:
			emit(storage.AlertPM10High, storage.SeverityWarning, highMsg("PM10", *v, lim.PM10Warning, "µg/m³"))
		}
	}

	if v := r.VOC; v != nil && !suspect["voc"] {
		switch {
		case *v > lim.VOCCritical:
			emit(storage.AlertVOCHigh, storage.SeverityCritical, highMsg("VOC", *v, lim.VOCCritical, "mg/m³"))
		case *v > lim.VOCWarning:
			emit(storage.AlertVOCHigh, storage.SeverityWarning, highMsg("VOC", *v, lim.VOCWarning, "mg/m³"))
		}
	}

	if v := r.Temperature; v != nil && !suspect["temperature"] {
		switch {
		case *v > lim.TempHighCritical:
			emit(storage.AlertTempHigh, storage.SeverityCritical, highMsg("Temperature", *v, lim.TempHighCritical, "°C"))
		case *v > lim.TempHighWarning:
			emit(storage.AlertTempHigh, storage.SeverityWarning, highMsg("Temperature", *v, lim.TempHighWarning, "°C"))
		case *v < lim.TempLowCritical:
			emit(storage.AlertTempLow, storage.SeverityCritical, lowMsg("Temperature", *v, lim.TempLowCritical, "°C"))
		case *v < lim.TempLowWarning:
			emit(storage.AlertTempLow, storage.SeverityWarning, lowMsg("Temperature", *v, lim.TempLowWarning, "°C"))
		}
	}

	if v := r.Humidity; v != nil && !suspect["humidity"] {
		switch {
		case *v > lim.HumidityHighCritical:
			emit(storage.AlertHumidityHigh, storage.SeverityCritical, highMsg("Humidity", *v, lim.HumidityHighCritical, "%"))
		case *v > lim.HumidityHighWarning:
			emit(storage.AlertHumidityHigh, storage.SeverityWarning, highMsg("Humidity", *v, lim.HumidityHighWarning, "%"))
		case *v < lim.HumidityLowCritical:
			emit(storage.AlertHumidityLow, storage.SeverityCritical, lowMsg("Humidity", *v, lim.HumidityLowCritical, "%"))
		case *v < lim.HumidityLowWarning:
			emit(storage.AlertHumidityLow, storage.SeverityWarning, lowMsg("Humidity", *v, lim.HumidityLowWarning, "%"))
		}
	}

	return out
}

func highMsg(name string, value, limit float64, unit string) string {
	return fmt.Sprintf("%s %g %s exceeds %g %s", name, value, unit, limit, unit)
}

func lowMsg(name string, value, limit float64, unit string) string {
	return fmt.Sprintf("%s %g %s below %g %s", name, value, unit, limit, unit)
}
