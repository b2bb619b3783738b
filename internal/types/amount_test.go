package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mustParse(t *testing.T, s string) Amount {
	t.Helper()
	a, err := ParseAmount(s)
	if err != nil {
		t.Fatalf("ParseAmount(%q) error = %v", s, err)
	}
	return a
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		wantRaw string
		wantErr bool
	}{
		{input: "0", wantRaw: "0"},
		{input: "12", wantRaw: "12000000000000000000"},
		{input: "3.5", wantRaw: "3500000000000000000"},
		{input: "0.000000000000000001", wantRaw: "1"},
		{input: ".5", wantRaw: "500000000000000000"},
		{input: " 7 ", wantRaw: "7000000000000000000"},
		{input: "-1", wantErr: true},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
		{input: "1.0000000000000000001", wantErr: true}, // 19 fractional digits
	}

	for _, tt := range tests {
		a, err := ParseAmount(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) expected error, got %s", tt.input, a)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) error = %v", tt.input, err)
			continue
		}
		if a.RawString() != tt.wantRaw {
			t.Errorf("ParseAmount(%q) raw = %s, want %s", tt.input, a.RawString(), tt.wantRaw)
		}
	}
}

func TestAmountString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"0", "0"},
		{"12", "12"},
		{"3.50", "3.5"},
		{"0.000000000000000001", "0.000000000000000001"},
	}
	for _, tt := range tests {
		if got := mustParse(t, tt.input).String(); got != tt.want {
			t.Errorf("String(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAmountSubUnderflow(t *testing.T) {
	a := mustParse(t, "2")
	b := mustParse(t, "5")
	if _, err := a.Sub(b); err == nil {
		t.Error("Sub() expected underflow error")
	}
}

func TestAmountZeroValue(t *testing.T) {
	var a Amount
	if !a.IsZero() {
		t.Error("zero-value Amount should be zero")
	}
	if a.String() != "0" {
		t.Errorf("zero-value String() = %q", a.String())
	}
}

func TestAmountJSONRoundTrip(t *testing.T) {
	a := mustParse(t, "7.25")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !a.Equal(back) {
		t.Errorf("round trip mismatch: %s != %s", a, back)
	}
}

func TestAmountProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genRaw := gen.Int64Range(0, 1<<62).Map(func(v int64) Amount {
		a, _ := AmountFromRaw(big.NewInt(v))
		return a
	})

	// Raw/display round trip must be exact for any raw value
	properties.Property("raw string round trip is exact", prop.ForAll(
		func(a Amount) bool {
			back, err := AmountFromRawString(a.RawString())
			return err == nil && back.Equal(a)
		},
		genRaw,
	))

	properties.Property("display string round trip is exact", prop.ForAll(
		func(a Amount) bool {
			back, err := ParseAmount(a.String())
			return err == nil && back.Equal(a)
		},
		genRaw,
	))

	properties.Property("add then sub conserves value", prop.ForAll(
		func(a, b Amount) bool {
			sum := a.Add(b)
			diff, err := sum.Sub(b)
			return err == nil && diff.Equal(a)
		},
		genRaw,
		genRaw,
	))

	properties.TestingRun(t)
}
