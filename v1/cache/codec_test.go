package cache

import (
	"testing"
)

type codecSample struct {
	ID   int64
	Name string
}

func TestCodecsRoundTrip(t *testing.T) {
	for name, codec := range map[string]Codec{"json": JSONCodec{}, "gob": GobCodec{}} {
		t.Run(name, func(t *testing.T) {
			in := codecSample{ID: 42, Name: "ada"}
			data, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out codecSample
			if err := codec.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out != in {
				t.Fatalf("expected %+v got %+v", in, out)
			}
		})
	}
}

func TestJSONCodecRejectsGarbage(t *testing.T) {
	var out codecSample
	if err := (JSONCodec{}).Unmarshal([]byte("{"), &out); err == nil {
		t.Fatal("expected error")
	}
}
