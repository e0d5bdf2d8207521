package config

import (
	"reflect"
	"testing"
)

func TestNormalizeWebsiteBlacklist(t *testing.T) {
	input := []string{" Example.com ", "http://Example.com/path", "sub.example.com", "https://sub.example.com", ""}
	want := []string{"example.com", "sub.example.com"}

	got := NormalizeWebsiteBlacklist(input)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeWebsiteBlacklist(%v) = %v, want %v", input, got, want)
	}
}

func TestIsWebsiteBlocked(t *testing.T) {
	updateWebsiteBlocklist([]string{"example.com"})
	t.Cleanup(func() { updateWebsiteBlocklist(nil) })

	cases := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"exact host", "http://example.com", true},
		{"subdomain", "https://api.example.com/resource", true},
		{"different domain", "https://example.net", false},
		{"suffix without dot", "https://notexample.com", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsWebsiteBlocked(tc.url); got != tc.blocked {
				t.Fatalf("IsWebsiteBlocked(%q) = %v, want %v", tc.url, got, tc.blocked)
			}
		})
	}
}
