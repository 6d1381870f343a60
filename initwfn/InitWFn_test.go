package initwfn

import (
	"encoding/json"
	"testing"
)

func TestInitWFnJSONRoundTrip(t *testing.T) {
	original, err := NewGlorotU(2.0)
	if err != nil {
		t.Fatalf("could not create initializer: %v", err)
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("could not marshal initializer: %v", err)
	}

	decoded := new(InitWFn)
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("could not unmarshal initializer: %v", err)
	}

	if decoded.Type != GlorotU {
		t.Errorf("got type %v, expected %v", decoded.Type, GlorotU)
	}
	config, ok := decoded.Config.(GlorotUConfig)
	if !ok {
		t.Fatalf("got configuration type %T, expected GlorotUConfig",
			decoded.Config)
	}
	if config.Gain != 2.0 {
		t.Errorf("got gain %v, expected 2", config.Gain)
	}
	if decoded.InitWFn() == nil {
		t.Error("deserialized wrapper has no Gorgonia InitWFn")
	}
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	bad := []string{
		`{"Config": {"Gain": 1.0}}`,
		`{"Type": "Xavier", "Config": {}}`,
	}
	for _, input := range bad {
		w := new(InitWFn)
		if err := json.Unmarshal([]byte(input), w); err == nil {
			t.Errorf("expected an error unmarshalling %q", input)
		}
	}
}
