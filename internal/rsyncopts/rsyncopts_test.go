package rsyncopts

import "testing"

func TestParseServerSenderBundle(t *testing.T) {
	pc, err := ParseArguments([]string{"--server", "--sender", "-nlogDtpr", ".", "/usr/share/man"})
	if err != nil {
		t.Fatal(err)
	}
	if !pc.Options.Server() || !pc.Options.Sender() {
		t.Fatal("expected server+sender mode")
	}
	if !pc.Options.DryRun() {
		t.Fatal("expected dry-run from -n in bundle")
	}
	if !pc.Options.PreserveDevices() || !pc.Options.PreserveMTimes() || !pc.Options.PreservePerms() {
		t.Fatal("expected D,t,p preserved from bundle")
	}
	if got, want := pc.RemainingArgs, []string{".", "/usr/share/man"}; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("RemainingArgs = %q, want %q", got, want)
	}
}

func TestParseDelete(t *testing.T) {
	pc, err := ParseArguments([]string{"-av", "--delete", ".", "src", "dst"})
	if err != nil {
		t.Fatal(err)
	}
	if !pc.Options.DeleteMode() {
		t.Fatal("expected delete mode")
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	if _, err := ParseArguments([]string{"--not-a-real-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
