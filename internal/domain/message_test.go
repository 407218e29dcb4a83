package domain

import (
	"testing"
	"time"
)

func TestNewMessageAssignsOrderedIDs(t *testing.T) {
	t.Parallel()

	now := time.Now()
	first := NewMessage("a", SenderUser, now)
	second := NewMessage("b", SenderAgent, now)

	if first.ID == "" || second.ID == "" {
		t.Fatal("expected non-empty ids")
	}
	if first.ID == second.ID {
		t.Fatalf("expected unique ids, got %q twice", first.ID)
	}
	if first.ID > second.ID {
		t.Fatalf("expected time-ordered ids, got %q after %q", second.ID, first.ID)
	}
	if !first.IsUser() || second.IsUser() {
		t.Fatal("unexpected sender classification")
	}
}

func TestSenderValid(t *testing.T) {
	t.Parallel()

	cases := map[Sender]bool{
		SenderUser:  true,
		SenderAgent: true,
		"system":    false,
		"":          false,
	}
	for s, want := range cases {
		if got := s.Valid(); got != want {
			t.Errorf("Sender(%q).Valid() = %v, want %v", s, got, want)
		}
	}
}

func TestBackgroundProfileCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := BackgroundProfile{
		Age:                 "初中生",
		LearningGoal:        "系统学习",
		TimePreference:      "几天",
		SpecialRequirements: []string{"多举例"},
	}
	cp := orig.Clone()
	cp.SpecialRequirements[0] = "changed"

	if orig.SpecialRequirements[0] != "多举例" {
		t.Fatalf("clone shares backing array: %v", orig.SpecialRequirements)
	}
}
