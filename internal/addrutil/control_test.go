package addrutil

import "testing"

func TestControlAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		reported string
		observed string
		port     int
		want     string
		ok       bool
	}{
		{"reported ip wins", "192.168.1.50", "192.168.1.99:49152", 8082, "192.168.1.50:8082", true},
		{"observed fallback", "", "192.168.1.99:49152", 8082, "192.168.1.99:8082", true},
		{"stray port stripped", "192.168.1.50:1234", "", 8082, "192.168.1.50:8082", true},
		{"whitespace trimmed", "  192.168.1.50 ", "", 8082, "192.168.1.50:8082", true},
		{"ipv6 bracketed", "[fe80::1]:1234", "", 8082, "[fe80::1]:8082", true},
		{"ipv6 raw", "fe80::1", "", 8082, "[fe80::1]:8082", true},
		{"no host anywhere", "", "", 8082, "", false},
		{"zero port", "192.168.1.50", "", 0, "", false},
		{"negative port", "192.168.1.50", "", -1, "", false},
	}
	for _, tc := range cases {
		got, ok := ControlAddr(tc.reported, tc.observed, tc.port)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}
