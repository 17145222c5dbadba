package flow

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw    string
		denom  string
		amount float64
		ok     bool
	}{
		{"100", "USD", 100, true},
		{"100.50", "USD", 100.50, true},
		{"USD 100", "USD", 100, true},
		{"100 USD", "USD", 100, true},
		{"cad 25", "CAD", 25, true},
		{"XAU 0.5", "XAU", 0.5, true},
		{"  100  ", "USD", 100, true},
		{"", "", 0, false},
		{"zero", "", 0, false},
		{"0", "", 0, false},
		{"-5", "", 0, false},
		{"EUR 100", "", 0, false},
		{"100 200", "", 0, false},
		{"USD 100 now", "", 0, false},
	}
	for _, tt := range tests {
		denom, amount, ok := parseAmount(tt.raw)
		if ok != tt.ok || denom != tt.denom || amount != tt.amount {
			t.Errorf("parseAmount(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tt.raw, denom, amount, ok, tt.denom, tt.amount, tt.ok)
		}
	}
}

func TestValidHandle(t *testing.T) {
	valid := []string{"alice", "alice_ops", "Bob99", " trimmed "}
	for _, h := range valid {
		if !validHandle(h) {
			t.Errorf("validHandle(%q) = false, want true", h)
		}
	}
	invalid := []string{"", "has space", "dash-ed", "dot.ted", "emoji✨"}
	for _, h := range invalid {
		if validHandle(h) {
			t.Errorf("validHandle(%q) = true, want false", h)
		}
	}
}
