package maint

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the kind of a logged action. The maintenance task types double
// as event types; the rest are events that only exist in the log.
type EventType string

const (
	EventWaterChange                 = EventType(TaskWaterChange)
	EventParameterTest               = EventType(TaskParameterTest)
	EventFilterMaintenance           = EventType(TaskFilterMaintenance)
	EventGlassClean                  = EventType(TaskGlassClean)
	EventSubstrateVacuum             = EventType(TaskSubstrateVacuum)
	EventPlantTrim                   = EventType(TaskPlantTrim)
	EventNote              EventType = "note"
	EventLivestockAdded    EventType = "livestock-added"
	EventMedication        EventType = "medication"
)

func (t EventType) Valid() bool {
	switch t {
	case EventWaterChange, EventParameterTest, EventFilterMaintenance, EventGlassClean,
		EventSubstrateVacuum, EventPlantTrim, EventNote, EventLivestockAdded, EventMedication:
		return true
	}
	return false
}

// Event is an immutable record of something that happened to a parent.
type Event struct {
	ID         string
	OwnerID    string
	ParentID   string
	Type       EventType
	OccurredAt time.Time
	Notes      string
	Data       EventData
}

// EventData is the typed payload of an event. FromSchedule is set on events
// appended by a schedule completion; Payload is the type-specific variant and
// may be nil.
type EventData struct {
	FromSchedule string
	Payload      Payload
}

// Payload is a closed set of per-type event payloads.
type Payload interface {
	payloadFor() EventType
}

type WaterChangeData struct {
	Percent float64 `json:"percent"`
}

// ParameterTestData holds measured water parameters; nil means not measured.
type ParameterTestData struct {
	PH           *float64 `json:"ph,omitempty"`
	Ammonia      *float64 `json:"ammonia,omitempty"`
	Nitrite      *float64 `json:"nitrite,omitempty"`
	Nitrate      *float64 `json:"nitrate,omitempty"`
	TemperatureC *float64 `json:"temperatureC,omitempty"`
	GH           *float64 `json:"gh,omitempty"`
	KH           *float64 `json:"kh,omitempty"`
}

type LivestockData struct {
	Species  string `json:"species"`
	Quantity int    `json:"quantity"`
}

type MedicationData struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
}

func (WaterChangeData) payloadFor() EventType   { return EventWaterChange }
func (ParameterTestData) payloadFor() EventType { return EventParameterTest }
func (LivestockData) payloadFor() EventType     { return EventLivestockAdded }
func (MedicationData) payloadFor() EventType    { return EventMedication }

// Validate checks the event type and that the payload variant matches it.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if e.ParentID == "" {
		return &ValidationError{Field: "parentId", Reason: "required"}
	}
	if p := e.Data.Payload; p != nil && p.payloadFor() != e.Type {
		return &ValidationError{Field: "data", Reason: fmt.Sprintf("payload for %q does not match event type %q", p.payloadFor(), e.Type)}
	}
	if l, ok := e.Data.Payload.(LivestockData); ok && l.Quantity < 1 {
		return &ValidationError{Field: "data.quantity", Reason: "must be at least 1"}
	}
	if w, ok := e.Data.Payload.(WaterChangeData); ok && (w.Percent <= 0 || w.Percent > 100) {
		return &ValidationError{Field: "data.percent", Reason: "must be in (0,100]"}
	}
	return nil
}

type eventDataWire struct {
	FromSchedule string          `json:"fromSchedule,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// MarshalEventData encodes data for storage.
func MarshalEventData(d EventData) ([]byte, error) {
	w := eventDataWire{FromSchedule: d.FromSchedule}
	if d.Payload != nil {
		b, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = b
	}
	return json.Marshal(w)
}

// UnmarshalEventData decodes stored data, picking the payload variant from t.
func UnmarshalEventData(t EventType, raw []byte) (EventData, error) {
	if len(raw) == 0 {
		return EventData{}, nil
	}
	var w eventDataWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return EventData{}, fmt.Errorf("event data: %w", err)
	}
	d := EventData{FromSchedule: w.FromSchedule}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return d, nil
	}
	var err error
	switch t {
	case EventWaterChange:
		var p WaterChangeData
		err = json.Unmarshal(w.Payload, &p)
		d.Payload = p
	case EventParameterTest:
		var p ParameterTestData
		err = json.Unmarshal(w.Payload, &p)
		d.Payload = p
	case EventLivestockAdded:
		var p LivestockData
		err = json.Unmarshal(w.Payload, &p)
		d.Payload = p
	case EventMedication:
		var p MedicationData
		err = json.Unmarshal(w.Payload, &p)
		d.Payload = p
	default:
		return EventData{}, fmt.Errorf("event data: type %q carries no payload", t)
	}
	if err != nil {
		return EventData{}, fmt.Errorf("event data (%s): %w", t, err)
	}
	return d, nil
}

type eventWire struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	ParentID   string          `json:"parentId"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Notes      string          `json:"notes,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := MarshalEventData(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{
		ID: e.ID, OwnerID: e.OwnerID, ParentID: e.ParentID, Type: e.Type,
		OccurredAt: e.OccurredAt, Notes: e.Notes, Data: data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := UnmarshalEventData(w.Type, w.Data)
	if err != nil {
		return err
	}
	*e = Event{
		ID: w.ID, OwnerID: w.OwnerID, ParentID: w.ParentID, Type: w.Type,
		OccurredAt: w.OccurredAt, Notes: w.Notes, Data: data,
	}
	return nil
}
