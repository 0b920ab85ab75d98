// Package codec parses bus payloads into readings. It is the single point
// of timestamp normalization in the service: every accepted variant is
// converted to UTC here and nowhere else. The codec does no I/O.
package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/storage"
)

// Channel validity ranges. Values outside these bounds are stored but
// flagged suspect and excluded from threshold evaluation.
var validRanges = map[string][2]float64{
	"temperature": {-50, 70},
	"humidity":    {0, 100},
	"co2":         {0, 10000},
	"voc":         {0, 10},
	"pm25":        {0, 1000},
	"pm10":        {0, 1000},
}

// epochSplit divides epoch seconds from epoch milliseconds: numeric
// timestamps below 1e10 are seconds, everything else milliseconds.
const epochSplit = 1e10

// wireReading mirrors the bus payload. sensorId and timestamp are kept raw
// so their shape can be validated explicitly; unknown fields (location,
// firmware metadata) are ignored.
type wireReading struct {
	SensorID  json.RawMessage `json:"sensorId"`
	Timestamp json.RawMessage `json:"timestamp"`

	Temperature *lenientFloat `json:"temperature"`
	Humidity    *lenientFloat `json:"humidity"`
	CO2         *lenientFloat `json:"co2"`
	VOC         *lenientFloat `json:"voc"`
	PM25        *lenientFloat `json:"pm25"`
	PM10        *lenientFloat `json:"pm10"`
}

// lenientFloat accepts a JSON number or a numeric string. Field firmware on
// some sensor models quotes its numbers.
type lenientFloat float64

func (f *lenientFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 1 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = lenientFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = lenientFloat(v)
	return nil
}

// Parse decodes payload into a Reading. now supplies the ingest time, used
// both as the default timestamp and as IngestedAt. A BadPayload error is
// returned for non-JSON input, a missing or empty sensorId, or a sensorId
// that is not a string.
func Parse(payload []byte, now time.Time) (storage.Reading, error) {
	var w wireReading
	if err := json.Unmarshal(payload, &w); err != nil {
		return storage.Reading{}, aerr.Wrap(aerr.KindBadPayload, "codec: parse", err)
	}

	sensorID, err := parseSensorID(w.SensorID)
	if err != nil {
		return storage.Reading{}, err
	}

	ts, err := parseTimestamp(w.Timestamp, now)
	if err != nil {
		return storage.Reading{}, err
	}

	r := storage.Reading{
		SensorID:    sensorID,
		Timestamp:   ts,
		Temperature: channel(w.Temperature),
		Humidity:    channel(w.Humidity),
		CO2:         channel(w.CO2),
		VOC:         channel(w.VOC),
		PM25:        channel(w.PM25),
		PM10:        channel(w.PM10),
		IngestedAt:  now.UTC(),
	}
	r.Suspect = suspectChannels(r)
	return r, nil
}

func parseSensorID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", aerr.New(aerr.KindBadPayload, "codec: parse", "missing sensorId")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", aerr.New(aerr.KindBadPayload, "codec: parse", "sensorId is not a string")
	}
	if id == "" {
		return "", aerr.New(aerr.KindBadPayload, "codec: parse", "empty sensorId")
	}
	return id, nil
}

// textLayouts are tried in order for string timestamps. The zoneless
// layouts are interpreted as UTC.
var textLayouts = []struct {
	layout string
	utc    bool
}{
	{time.RFC3339Nano, false},
	{time.RFC3339, false},
	{"2006-01-02T15:04:05.999999999", true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
}

func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now.UTC(), nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, aerr.Wrap(aerr.KindBadPayload, "codec: parse timestamp", err)
		}
		for _, l := range textLayouts {
			t, err := time.Parse(l.layout, s)
			if err != nil {
				continue
			}
			if l.utc {
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
			}
			return t.UTC(), nil
		}
		return time.Time{}, aerr.Newf(aerr.KindBadPayload, "codec: parse timestamp", "unrecognized format %q", s)
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err != nil {
		return time.Time{}, aerr.Wrap(aerr.KindBadPayload, "codec: parse timestamp", err)
	}
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) || epoch < 0 {
		return time.Time{}, aerr.Newf(aerr.KindBadPayload, "codec: parse timestamp", "invalid epoch %v", epoch)
	}
	if epoch < epochSplit {
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.UnixMilli(int64(epoch)).UTC(), nil
}

func channel(f *lenientFloat) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// suspectChannels returns the names of channels whose values fall outside
// the validity ranges, in the reading's canonical channel order.
func suspectChannels(r storage.Reading) []string {
	var suspect []string
	for _, ch := range []struct {
		name string
		val  *float64
	}{
		{"temperature", r.Temperature},
		{"humidity", r.Humidity},
		{"co2", r.CO2},
		{"voc", r.VOC},
		{"pm25", r.PM25},
		{"pm10", r.PM10},
	} {
		if ch.val == nil {
			continue
		}
		bounds := validRanges[ch.name]
		if *ch.val < bounds[0] || *ch.val > bounds[1] {
			suspect = append(suspect, ch.name)
		}
	}
	return suspect
}
