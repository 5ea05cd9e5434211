package ccdio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
)

// Metadata holds FITS header key-value pairs as strings.
type Metadata struct {
	Headers map[string]string
}

// NewMetadata creates an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{Headers: make(map[string]string)}
}

// metadataFromHeader copies every valued card of hdr.
func metadataFromHeader(hdr *fitsio.Header) *Metadata {
	m := NewMetadata()
	for _, key := range hdr.Keys() {
		card := hdr.Get(key)
		if card == nil || card.Value == nil {
			continue
		}
		m.Headers[strings.ToUpper(key)] = cardString(card.Value)
	}
	return m
}

func cardString(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimRight(v, " ")
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

func (m *Metadata) GetString(key string) string {
	return m.Headers[strings.ToUpper(key)]
}

func (m *Metadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *Metadata) GetInt(key string) (int, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (m *Metadata) GetDateTime(key string) (time.Time, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", strings.TrimSpace(v))
	if err != nil {
		t, err = time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

func (m *Metadata) Detector() string { return m.GetString("CCDNAME") }
func (m *Metadata) ExtName() string  { return m.GetString("EXTNAME") }
func (m *Metadata) Filter() string   { return m.GetString("FILTER") }

// Gain returns the detector gain in e-/ADU. Amplifier-split cameras record
// GAINA and GAINB; their mean is used when GAIN is absent.
func (m *Metadata) Gain() (float64, bool) {
	if v, ok := m.GetDouble("GAIN"); ok {
		return v, true
	}
	a, okA := m.GetDouble("GAINA")
	b, okB := m.GetDouble("GAINB")
	switch {
	case okA && okB:
		return (a + b) / 2, true
	case okA:
		return a, true
	case okB:
		return b, true
	}
	return 0, false
}

func (m *Metadata) ExposureTime() (float64, bool) {
	if v, ok := m.GetDouble("EXPTIME"); ok {
		return v, true
	}
	return m.GetDouble("EXPOSURE")
}

func (m *Metadata) ObservationDate() (time.Time, bool) { return m.GetDateTime("DATE-OBS") }
