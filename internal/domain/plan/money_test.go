package plan

import (
	"encoding/json"
	"testing"
)

func TestMoney_String(t *testing.T) {
	tests := []struct {
		in   Money
		want string
	}{
		{0, "0.00"},
		{5000, "50.00"},
		{5025, "50.25"},
		{7, "0.07"},
		{-150, "-1.50"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Money(%d).String() = %q, want %q", int64(tt.in), got, tt.want)
		}
	}
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    Money
		wantErr bool
	}{
		{"50", 5000, false},
		{"50.5", 5050, false},
		{"50.25", 5025, false},
		{".99", 99, false},
		{"-3.10", -310, false},
		{"1.234", 0, true},
		{"abc", 0, true},
		{"1.x", 0, true},
		{"50.-5", 0, true},
		{"50.+5", 0, true},
		{"--5", 0, true},
		{"+5", 0, true},
		{"92233720368547758", 0, true},
		{"92233720368547757.99", 9223372036854775799, false},
	}
	for _, tt := range tests {
		got, err := ParseMoney(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMoney(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMoney(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMoney(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMoney_JSONAcceptsNumberOrString(t *testing.T) {
	var v struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": 12.5, "b": "99.99"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != 1250 || v.B != 9999 {
		t.Fatalf("got %d/%d", v.A, v.B)
	}
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a":"12.50","b":"99.99"}` {
		t.Fatalf("marshal = %s", out)
	}
}
