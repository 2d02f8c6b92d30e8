package webapi

import (
	"net"
	"testing"
)

func TestIsPrivateHostname(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"http://example.com/", false},
		{"https://api.github.com/repos", false},
		{"http://localhost/", true},
		{"http://foo.localhost:8080/", true},
		{"http://127.0.0.1/", true},
		{"http://127.0.0.1:9000/admin", true},
		{"http://10.0.0.5/", true},
		{"http://192.168.1.1/", true},
		{"http://169.254.169.254/latest/meta-data", true}, // cloud metadata endpoint
		{"http://[::1]/", true},
		{"://not a url", true},
	}
	for _, c := range cases {
		if got := isPrivateHostname(c.url); got != c.want {
			t.Errorf("isPrivateHostname(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"100.64.0.1", true},
		{"169.254.1.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"2001:4860:4860::8888", false},
	}
	for _, c := range cases {
		ip := net.ParseIP(c.ip)
		if ip == nil {
			t.Fatalf("ParseIP(%q) returned nil", c.ip)
		}
		if got := isPrivateIP(ip); got != c.want {
			t.Errorf("isPrivateIP(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}
