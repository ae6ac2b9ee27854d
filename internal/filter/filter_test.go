package filter

import "testing"

func TestFirstMatchWins(t *testing.T) {
	l := New(
		Rule{Pattern: "important.log", Action: Include},
		Rule{Pattern: "*.log", Action: Exclude},
	)
	if l.Exclude("important.log", false) {
		t.Fatal("important.log should be included (first rule wins)")
	}
	if !l.Exclude("debug.log", false) {
		t.Fatal("debug.log should be excluded")
	}
}

func TestHideRespectsDirOnlyScope(t *testing.T) {
	l := New(Rule{Pattern: ".git", Action: Hide, Scope: DirOnly})
	if !l.Hide(".git", true) {
		t.Fatal(".git directory should be hidden")
	}
	if l.Hide(".git", false) {
		t.Fatal(".git as a file should not match a DirOnly rule")
	}
}

func TestUnanchoredMatchesNestedSegments(t *testing.T) {
	l := New(Rule{Pattern: "*.o", Action: Exclude})
	if !l.Exclude("build/obj/main.o", false) {
		t.Fatal("unanchored *.o should exclude nested main.o")
	}
}

func TestAnchoredOnlyMatchesRoot(t *testing.T) {
	l := New(Rule{Pattern: "/build", Action: Exclude})
	if !l.Exclude("build", true) {
		t.Fatal("/build should exclude top-level build")
	}
	if l.Exclude("sub/build", true) {
		t.Fatal("/build should not exclude nested sub/build")
	}
}

func TestProtect(t *testing.T) {
	l := New(Rule{Pattern: "keepme", Action: Protect})
	if !l.Protect("keepme", false) {
		t.Fatal("keepme should be protected")
	}
	if l.Exclude("keepme", false) {
		t.Fatal("a protected entry is not the same as excluded")
	}
}
