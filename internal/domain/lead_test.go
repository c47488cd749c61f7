package domain

import "testing"

func TestLeadStatusTerminal(t *testing.T) {
	cases := map[LeadStatus]bool{
		LeadStatusPending:    false,
		LeadStatusInProgress: false,
		LeadStatusCompleted:  true,
		LeadStatusFailed:     true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCallOutcomeStatusMapping(t *testing.T) {
	if got := CallOutcomeCompleted.LeadStatus(); got != LeadStatusCompleted {
		t.Errorf("Completed maps to %s", got)
	}
	if got := CallOutcomeFailed.LeadStatus(); got != LeadStatusFailed {
		t.Errorf("Failed maps to %s", got)
	}

	if !CallOutcomeCompleted.Valid() || !CallOutcomeFailed.Valid() {
		t.Error("recognized statuses must be valid")
	}
	for _, s := range []CallOutcomeStatus{"", "Ringing", "completed"} {
		if s.Valid() {
			t.Errorf("%q must not be valid", s)
		}
	}
}
