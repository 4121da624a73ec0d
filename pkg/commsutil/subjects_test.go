package commsutil

import "testing"

func TestBuildChangeSubject(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		want       string
	}{
		{"basic", "billing", "gateway.changed.billing"},
		{"dotted", "billing.eu", "gateway.changed.billing_eu"},
		{"wildcards", "a*b>", "gateway.changed.a_b_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildChangeSubject(tt.collection)
			if got != tt.want {
				t.Errorf("commsutil:subjects_test - BuildChangeSubject(%q) = %q, want %q", tt.collection, got, tt.want)
			}
		})
	}
}

func TestBuildActionSubject(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		collection string
		action     string
		want       string
	}{
		{"simple", "gateway.v1.action", "billing", "charge", "gateway.v1.action.billing.charge"},
		{"dotted action", "gateway.v1.action", "gateway", "list.all", "gateway.v1.action.gateway.list_all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildActionSubject(tt.prefix, tt.collection, tt.action)
			if got != tt.want {
				t.Errorf("commsutil:subjects_test - BuildActionSubject(%q, %q, %q) = %q, want %q",
					tt.prefix, tt.collection, tt.action, got, tt.want)
			}
		})
	}
}
