package jsonx

import "testing"

type sample struct {
	A int    `json:"a"`
	B string `json:"b"`
}

func TestDecode(t *testing.T) {
	for name, src := range map[string]any{
		"bytes":  []byte(`{"a":1,"b":"x"}`),
		"string": `{"a":1,"b":"x"}`,
		"map":    map[string]any{"a": 1.0, "b": "x"},
		"value":  sample{A: 1, B: "x"},
		"ptr":    &sample{A: 1, B: "x"},
	} {
		var got sample
		if err := Decode(src, &got); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got.A != 1 || got.B != "x" {
			t.Fatalf("%s: got %+v", name, got)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	var s sample
	if err := Decode(nil, &s); err == nil {
		t.Fatal("expected error for nil payload")
	}
	if err := Decode(`{"a":`, &s); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
