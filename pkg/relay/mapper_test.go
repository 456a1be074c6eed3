package relay

import (
	"strings"
	"testing"

	"github.com/proboci/scm-handler/pkg/scm"
)

func TestMapStatusKnownStates(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"success", scm.StateSuccessful},
		{"pending", scm.StateInProgress},
		{"error", scm.StateFailed},
		{"fail", scm.StateFailed},
	}

	for _, c := range cases {
		info := MapStatus(StatusUpdate{State: c.in, Description: "d", Context: "ProboCI", TargetURL: "https://ci/b"})
		if info.State != c.want {
			t.Errorf("MapStatus(%q).State = %q, want %q", c.in, info.State, c.want)
		}
		if info.Description != "d" {
			t.Errorf("MapStatus(%q) must not rewrite the description, got %q", c.in, info.Description)
		}
		if info.Key != "ProboCI" || info.URL != "https://ci/b" {
			t.Errorf("MapStatus(%q) = %+v", c.in, info)
		}
	}
}

func TestMapStatusUnknownState(t *testing.T) {
	info := MapStatus(StatusUpdate{State: "unknown", Description: "step done"})

	if info.State != scm.StatePending {
		t.Errorf("state = %q, want PENDING", info.State)
	}
	if !strings.Contains(info.Description, "(original state:unknown)") {
		t.Errorf("description = %q, want original state preserved", info.Description)
	}
	if !strings.HasPrefix(info.Description, "step done") {
		t.Errorf("description = %q, want original description kept", info.Description)
	}
}

func TestMapStatusEmptyState(t *testing.T) {
	info := MapStatus(StatusUpdate{State: "", Description: ""})

	if info.State != scm.StatePending {
		t.Errorf("state = %q, want PENDING", info.State)
	}
	if info.Description != " (original state:)" {
		t.Errorf("description = %q", info.Description)
	}
}
