package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// KnownDevice is a promoted device. Fields the console does not know are
// kept as sent.
type KnownDevice map[string]any

func (d KnownDevice) Fingerprint() string { return stringField(d, "fingerprint") }

// Recommendation is a promotion candidate identified by deviceFingerprint.
// Fields the console does not know are kept as sent.
type Recommendation map[string]any

func (r Recommendation) DeviceFingerprint() string { return stringField(r, "deviceFingerprint") }

// NormalizeKnownDevices keeps devices with a non-empty fingerprint and
// collapses duplicates to the newest by time.
func NormalizeKnownDevices(items []json.RawMessage) []KnownDevice {
	out := make([]KnownDevice, 0, len(items))
	for _, raw := range items {
		obj, ok := decodeObject(raw)
		if !ok {
			continue
		}
		fp, ok := identity(obj["fingerprint"])
		if !ok {
			continue
		}
		obj["fingerprint"] = fp
		out = append(out, KnownDevice(obj))
	}
	return dedupe(out, KnownDevice.Fingerprint, func(d KnownDevice) time.Time {
		return parseTime(d["time"])
	})
}

// NormalizeRecommendations maps the backend's field variants onto the
// console's names, drops candidates without a device fingerprint and
// collapses duplicates to the newest by lastSeen or time.
func NormalizeRecommendations(items []json.RawMessage) []Recommendation {
	out := make([]Recommendation, 0, len(items))
	for _, raw := range items {
		obj, ok := decodeObject(raw)
		if !ok {
			continue
		}
		fp, ok := identity(firstPresent(obj, "deviceFingerprint", "fingerprint", "device_fingerprint"))
		if !ok {
			continue
		}
		obj["deviceFingerprint"] = fp

		if v := firstPresent(obj, "deviceId", "device_id"); v != nil {
			obj["deviceId"] = v
		}
		setNumber(obj, "weight", obj["weight"])
		setNumber(obj, "signalStrengthDbm", firstPresent(obj, "signalStrengthDbm", "rssi"))
		setNumber(obj, "bucketCount", firstPresent(obj, "bucketCount", "frequency"))
		for _, key := range []string{"lastSeen", "time"} {
			if s, ok := trimmedString(obj[key]); ok {
				obj[key] = s
			}
		}
		out = append(out, Recommendation(obj))
	}
	return dedupe(out, Recommendation.DeviceFingerprint, func(r Recommendation) time.Time {
		if v := firstPresent(r, "lastSeen", "time"); v != nil {
			return parseTime(v)
		}
		return time.Time{}
	})
}

// dedupe keeps the first position of each key and the newest value for it.
// On equal timestamps the later item wins.
func dedupe[T any](items []T, key func(T) string, at func(T) time.Time) []T {
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, it)
			continue
		}
		if !at(it).Before(at(out[i])) {
			out[i] = it
		}
	}
	return out
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// firstPresent returns the first non-null value among keys.
func firstPresent(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// identity renders v as a trimmed, non-empty string.
func identity(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case bool, float64:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}

func trimmedString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// setNumber stores v under key as a JSON number when it is one or a numeric
// string. Anything else leaves the object unchanged.
func setNumber(obj map[string]any, key string, v any) {
	if n, ok := toNumber(v); ok {
		obj[key] = n
	}
}

func toNumber(v any) (json.Number, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return "", false
	}
	if s == "" {
		return "", false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", false
	}
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// parseTime returns the zero time for anything that is not a timestamp.
func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
