package determinism

import "testing"

func TestJCSBytes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, "null"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"int", 42, "42"},
		{"negative_zero_float", -0.0, "0"},
		{"trailing_zeros", 1.500, "1.5"},
		{"trailing_dot", float64(2), "2"},
		{"sorted_keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"array", []any{1, 2, 3}, "[1,2,3]"},
		{"escaped_quote", `a"b`, `"a\"b"`},
		{"escaped_backslash", `a\b`, `"a\\b"`},
		{"control_char", "a\nb", "\"a\\u000ab\""},
		{"non_ascii_passthrough", "café", "\"café\""},
		{"nested", map[string]any{"x": []any{map[string]any{"z": 1, "a": 2}}}, `{"x":[{"a":2,"z":1}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := JCSBytes(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestJCSBytesRejectsNonFinite(t *testing.T) {
	_, err := JCSBytes(1.0 / zero())
	if err == nil {
		t.Fatal("expected error for +Inf")
	}
}

func zero() float64 { return 0 }

func TestDecisionHashStable(t *testing.T) {
	a := map[string]any{"stage": "ROUTE", "x": 1}
	b := map[string]any{"x": 1, "stage": "ROUTE"}
	ha, err := DecisionHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := DecisionHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("expected map key order to not affect hash: %s != %s", ha, hb)
	}
	if ha[:7] != "sha256:" {
		t.Fatalf("expected sha256: prefix, got %s", ha)
	}
}

func TestQuantizeHalfUp(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0.845, 0.85},
		{0.844, 0.84},
		{-0.845, -0.85},
		{0.1, 0.1},
	}
	for _, tc := range cases {
		got := QuantizeHalfUp(tc.in)
		if got != tc.want {
			t.Errorf("QuantizeHalfUp(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
