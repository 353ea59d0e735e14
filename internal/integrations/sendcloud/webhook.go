package sendcloud

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ActionParcelStatusChanged is the only webhook action the reconciler applies.
const ActionParcelStatusChanged = "parcel_status_changed"

type Event struct {
	Action    string    `json:"action"`
	Parcel    *Parcel   `json:"parcel"`
	Timestamp Timestamp `json:"timestamp"`
}

type Parcel struct {
	ID             int64          `json:"id"`
	TrackingNumber string         `json:"tracking_number"`
	TrackingURL    string         `json:"tracking_url,omitempty"`
	Status         *ParcelStatus  `json:"status"`
	Carrier        *ParcelCarrier `json:"carrier,omitempty"`
}

type ParcelStatus struct {
	ID      int    `json:"id"`
	Message string `json:"message"`
}

type ParcelCarrier struct {
	Code string `json:"code"`
}

// Timestamp accepts an RFC3339 string or a unix epoch number (seconds or
// milliseconds). Anything else decodes to the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if v, err := time.Parse(layout, s); err == nil {
				t.Time = v.UTC()
				return nil
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = fromEpoch(n)
		}
		return nil
	}
	if n, err := strconv.ParseFloat(string(b), 64); err == nil {
		t.Time = fromEpoch(n)
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func fromEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	// Anything past 1e12 cannot be seconds (year 33658), treat it as millis.
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// DecodeEvent parses a raw webhook body. Only syntactically invalid JSON is an
// error; missing fields are reported by MissingFields.
func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode sendcloud event")
	}
	return e, nil
}

// MissingFields lists the required fields absent from the event, in path notation.
func (e Event) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(e.Action) == "" {
		missing = append(missing, "action")
	}
	if e.Parcel == nil {
		return append(missing, "parcel")
	}
	if strings.TrimSpace(e.Parcel.TrackingNumber) == "" {
		missing = append(missing, "parcel.tracking_number")
	}
	if e.Parcel.Status == nil || strings.TrimSpace(e.Parcel.Status.Message) == "" {
		missing = append(missing, "parcel.status.message")
	}
	return missing
}

// UnmarshalJSON tolerates loosely typed optional fields: numeric ids sent as
// strings, scalar tracking fields and a carrier given as a bare code. A value
// that cannot be read is left zero for MissingFields to report.
func (p *Parcel) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID             json.RawMessage `json:"id"`
		TrackingNumber json.RawMessage `json:"tracking_number"`
		TrackingURL    json.RawMessage `json:"tracking_url"`
		Status         json.RawMessage `json:"status"`
		Carrier        json.RawMessage `json:"carrier"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	p.ID = looseInt(raw.ID)
	p.TrackingNumber = looseString(raw.TrackingNumber)
	p.TrackingURL = looseString(raw.TrackingURL)

	var st struct {
		ID      json.RawMessage `json:"id"`
		Message json.RawMessage `json:"message"`
	}
	if isObject(raw.Status) && json.Unmarshal(raw.Status, &st) == nil {
		p.Status = &ParcelStatus{ID: int(looseInt(st.ID)), Message: looseString(st.Message)}
	}

	switch {
	case isObject(raw.Carrier):
		var c struct {
			Code json.RawMessage `json:"code"`
		}
		if json.Unmarshal(raw.Carrier, &c) == nil {
			p.Carrier = &ParcelCarrier{Code: looseString(c.Code)}
		}
	default:
		if code := looseString(raw.Carrier); code != "" {
			p.Carrier = &ParcelCarrier{Code: code}
		}
	}
	return nil
}

func isObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

// looseString reads a JSON string or number as text.
func looseString(b json.RawMessage) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(b, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(b, &n) == nil {
		return n.String()
	}
	return ""
}

// looseInt reads a JSON integer or a numeric string.
func looseInt(b json.RawMessage) int64 {
	s := strings.TrimSpace(looseString(b))
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func (p *Parcel) CarrierCode() string {
	if p == nil || p.Carrier == nil {
		return ""
	}
	return p.Carrier.Code
}
