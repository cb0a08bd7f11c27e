package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public IP literal", "https://203.0.113.10/hook", false},
		{"http scheme allowed", "http://198.51.100.7/hook", false},
		{"bad scheme", "ftp://198.51.100.7/hook", true},
		{"no host", "https:///hook", true},
		{"localhost blocked", "http://localhost/hook", true},
		{"loopback blocked", "http://127.0.0.1/hook", true},
		{"private blocked", "http://10.1.2.3/hook", true},
		{"link local blocked", "http://169.254.169.254/latest", true},
		{"unspecified blocked", "http://0.0.0.0/hook", true},
		{"metadata host blocked", "http://metadata.google.internal/v1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if tt.wantErr && err == nil {
				t.Errorf("expected error for %s", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for %s: %v", tt.url, err)
			}
		})
	}
}
