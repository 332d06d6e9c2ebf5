// internal/sensors/catalog.go
package sensors

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ValueType is the declared data type of a sensor
type ValueType string

// Sensor value types
const (
	TypeNumeric  ValueType = "numeric"
	TypeDuration ValueType = "duration"
	TypeEnum     ValueType = "enum"
	TypeBoolean  ValueType = "boolean"
	TypeText     ValueType = "text"
)

// Valid reports whether t is a known value type
func (t ValueType) Valid() bool {
	switch t {
	case TypeNumeric, TypeDuration, TypeEnum, TypeBoolean, TypeText:
		return true
	default:
		return false
	}
}

// Numeric reports whether values of this type compare as numbers
func (t ValueType) Numeric() bool {
	return t == TypeNumeric || t == TypeDuration
}

// Range bounds numeric and duration sensors
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// EnumValue is one allowed value of an enum sensor
type EnumValue struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Metadata describes a sensor in the static catalog
type Metadata struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Category   string      `yaml:"category" json:"category"`
	Type       ValueType   `yaml:"type" json:"type"`
	Range      *Range      `yaml:"range,omitempty" json:"range,omitempty"`
	EnumValues []EnumValue `yaml:"enum_values,omitempty" json:"enum_values,omitempty"`
	Unit       string      `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Validate checks metadata
func (m *Metadata) Validate() error {
	if m.ID == "" {
		return errors.New("sensors: id is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("sensors: %s: invalid type: %q", m.ID, m.Type)
	}
	if m.Type == TypeEnum && len(m.EnumValues) == 0 {
		return fmt.Errorf("sensors: %s: enum sensor needs enum_values", m.ID)
	}
	if m.Range != nil && m.Range.Min > m.Range.Max {
		return fmt.Errorf("sensors: %s: range min exceeds max", m.ID)
	}
	return nil
}

// HasEnumValue reports whether v is one of the sensor's enum values.
// Matching is on Value, never Label.
func (m *Metadata) HasEnumValue(v string) bool {
	for _, ev := range m.EnumValues {
		if ev.Value == v {
			return true
		}
	}
	return false
}

// Catalog resolves sensor ids to metadata
type Catalog interface {
	Lookup(sensorID string) (Metadata, bool)
}

// StaticCatalog is an in-memory catalog
type StaticCatalog struct {
	mu      sync.RWMutex
	sensors map[string]Metadata
}

// NewStaticCatalog creates a catalog from entries. Invalid entries are rejected.
func NewStaticCatalog(entries ...Metadata) (*StaticCatalog, error) {
	c := &StaticCatalog{sensors: make(map[string]Metadata, len(entries))}
	for _, m := range entries {
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds or replaces a sensor
func (c *StaticCatalog) Register(m Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[m.ID] = m
	return nil
}

// Lookup returns metadata for a sensor id
func (c *StaticCatalog) Lookup(sensorID string) (Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.sensors[sensorID]
	return m, ok
}

// List returns all sensors sorted by id
func (c *StaticCatalog) List() []Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Metadata, 0, len(c.sensors))
	for _, m := range c.sensors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type catalogFile struct {
	Sensors []Metadata `yaml:"sensors"`
}

// LoadCatalog reads a YAML sensor list and layers it over the built-in catalog
func LoadCatalog(r io.Reader) (*StaticCatalog, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("sensors: decode catalog: %w", err)
	}

	c := DefaultCatalog()
	for _, m := range f.Sensors {
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns the platform's built-in senses
func DefaultCatalog() *StaticCatalog {
	c, err := NewStaticCatalog(builtinSensors...)
	if err != nil {
		panic(err)
	}
	return c
}

var builtinSensors = []Metadata{
	{ID: "temperature", Name: "Temperature", Category: "weather", Type: TypeNumeric, Range: &Range{Min: -50, Max: 60}, Unit: "°C"},
	{ID: "humidity", Name: "Humidity", Category: "weather", Type: TypeNumeric, Range: &Range{Min: 0, Max: 100}, Unit: "%"},
	{ID: "uv_index", Name: "UV Index", Category: "weather", Type: TypeNumeric, Range: &Range{Min: 0, Max: 11}},
	{ID: "weather_condition", Name: "Weather", Category: "weather", Type: TypeEnum, EnumValues: []EnumValue{
		{Value: "sunny", Label: "Sunny Skies"},
		{Value: "cloudy", Label: "Cloudy"},
		{Value: "rainy", Label: "Rain"},
		{Value: "snowy", Label: "Snow"},
		{Value: "stormy", Label: "Thunderstorms"},
		{Value: "foggy", Label: "Fog"},
	}},
	{ID: "steps", Name: "Steps Today", Category: "fitness", Type: TypeNumeric, Range: &Range{Min: 0, Max: 100000}, Unit: "steps"},
	{ID: "heart_rate", Name: "Heart Rate", Category: "fitness", Type: TypeNumeric, Range: &Range{Min: 30, Max: 220}, Unit: "bpm"},
	{ID: "active_minutes", Name: "Active Minutes", Category: "fitness", Type: TypeDuration, Range: &Range{Min: 0, Max: 1440}, Unit: "minutes"},
	{ID: "sleep_duration", Name: "Sleep Duration", Category: "sleep", Type: TypeDuration, Range: &Range{Min: 0, Max: 24}, Unit: "hours"},
	{ID: "sleep_quality", Name: "Sleep Quality", Category: "sleep", Type: TypeEnum, EnumValues: []EnumValue{
		{Value: "poor", Label: "Poor"},
		{Value: "fair", Label: "Fair"},
		{Value: "good", Label: "Good"},
		{Value: "excellent", Label: "Excellent"},
	}},
	{ID: "calendar_busy", Name: "In a Meeting", Category: "calendar", Type: TypeBoolean},
	{ID: "next_event_in", Name: "Next Event In", Category: "calendar", Type: TypeDuration, Range: &Range{Min: 0, Max: 10080}, Unit: "minutes"},
	{ID: "next_event_title", Name: "Next Event", Category: "calendar", Type: TypeText},
	{ID: "at_home", Name: "At Home", Category: "location", Type: TypeBoolean},
	{ID: "mood", Name: "Mood", Category: "wellbeing", Type: TypeEnum, EnumValues: []EnumValue{
		{Value: "happy", Label: "Happy"},
		{Value: "neutral", Label: "Neutral"},
		{Value: "sad", Label: "Sad"},
		{Value: "stressed", Label: "Stressed"},
		{Value: "tired", Label: "Tired"},
	}},
}
