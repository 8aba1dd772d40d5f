package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spendtimetogether/roulette/go/internal/models"
)

func TestEncodeIsFlat(t *testing.T) {
	data, err := Encode(NewVariantEliminated(models.Submission{UserID: 7, Variant: "pizza"}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "variant_eliminated" {
		t.Errorf("event = %v", got["event"])
	}
	if got["variant"] != "pizza" || got["user_id"] != float64(7) {
		t.Errorf("unexpected payload: %v", got)
	}
	if _, nested := got["Event"]; nested {
		t.Error("embedded event must be flattened")
	}
}

func TestTimerStartedDuration(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   int
	}{
		{60 * time.Second, 60},
		{1500 * time.Millisecond, 2},
		{time.Millisecond, 1},
	}
	for _, tt := range tests {
		if got := NewTimerStarted(tt.window).Duration; got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.window, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	in, err := Decode([]byte(`{"action":"submit_variant","payload":{"variant":"x"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Action != ActionSubmitVariant {
		t.Errorf("action = %q", in.Action)
	}
	var p SubmitVariantPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil || p.Variant != "x" {
		t.Errorf("payload = %+v, err %v", p, err)
	}

	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestUsersInSessionNeverNull(t *testing.T) {
	data, _ := Encode(NewUsersInSession(nil))
	var got map[string]json.RawMessage
	_ = json.Unmarshal(data, &got)
	if string(got["users"]) != "[]" {
		t.Errorf("users = %s", got["users"])
	}
}
