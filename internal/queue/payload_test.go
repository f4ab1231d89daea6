package queue

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/position"
)

func samplePositions() []*position.Position {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return []*position.Position{
		{DeviceID: "d1", Lat: 40.7128, Lng: -74.006, Timestamp: ts, ReceivedAt: ts, Metadata: map[string]any{"speed": 12.5}},
		{DeviceID: "d2", Lat: -12.0464, Lng: -77.0428, Timestamp: ts.Add(time.Second), ReceivedAt: ts.Add(time.Second)},
	}
}

func TestPayloadPlain(t *testing.T) {
	positions := samplePositions()
	p, err := NewPayload("b1", positions, false)
	if err != nil {
		t.Fatalf("NewPayload failed: %v", err)
	}
	if p.Count != 2 {
		t.Errorf("Count = %d, want 2", p.Count)
	}
	if len(p.Compressed) != 0 {
		t.Error("plain payload has a compressed blob")
	}

	got, err := p.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != 2 || got[0].DeviceID != "d1" || got[1].DeviceID != "d2" {
		t.Errorf("decoded positions = %+v", got)
	}
}

func TestPayloadCompressedRoundTrip(t *testing.T) {
	positions := samplePositions()
	p, err := NewPayload("b1", positions, true)
	if err != nil {
		t.Fatalf("NewPayload failed: %v", err)
	}
	if len(p.Positions) != 0 {
		t.Error("compressed payload still carries plain positions")
	}
	if len(p.Compressed) == 0 {
		t.Fatal("compressed payload has no blob")
	}

	got, err := p.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d positions, want 2", len(got))
	}
	if got[0].DeviceID != "d1" || got[0].Lat != 40.7128 {
		t.Errorf("decoded[0] = %+v", got[0])
	}
	if got[1].DeviceID != "d2" || !got[1].Timestamp.Equal(positions[1].Timestamp) {
		t.Errorf("decoded[1] = %+v", got[1])
	}
	if got[0].Metadata["speed"] != 12.5 {
		t.Errorf("metadata did not survive the round trip: %v", got[0].Metadata)
	}
}

func TestPayloadCompressedJSONOmitsPositions(t *testing.T) {
	p, err := NewPayload("b1", samplePositions(), true)
	if err != nil {
		t.Fatalf("NewPayload failed: %v", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"positions"`) {
		t.Errorf("compressed payload JSON still lists positions: %s", data)
	}
	if !strings.Contains(string(data), `"compressed"`) {
		t.Errorf("compressed payload JSON missing blob field: %s", data)
	}

	// The blob survives a JSON round trip of the whole payload.
	var back Payload
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	got, err := back.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("decoded %d positions after round trip, want 2", len(got))
	}
}
