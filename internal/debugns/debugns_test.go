package debugns

import "testing"

func TestNewEmptyStringDisablesAll(t *testing.T) {
	m := New("")
	if m.Enabled() {
		t.Fatal("Enabled() = true for an empty namespace list")
	}
	if m.Matches("swarm:events") {
		t.Fatal("Matches should be false when nothing is enabled")
	}
}

func TestMatchesExactNamespace(t *testing.T) {
	m := New("swarm:events")
	if !m.Enabled() {
		t.Fatal("Enabled() = false, want true")
	}
	if !m.Matches("swarm:events") {
		t.Fatal("expected an exact match")
	}
	if m.Matches("swarm:stream") {
		t.Fatal("did not expect a match for a different namespace")
	}
}

func TestMatchesGlob(t *testing.T) {
	m := New("swarm:*")
	if !m.Matches("swarm:events") || !m.Matches("swarm:stream") {
		t.Fatal("expected swarm:* to match both namespaces")
	}
	if m.Matches("db:query") {
		t.Fatal("did not expect swarm:* to match an unrelated namespace")
	}
}

func TestMatchesCommaSeparatedList(t *testing.T) {
	m := New("swarm:events, db:query")
	if !m.Matches("swarm:events") {
		t.Fatal("expected a match for swarm:events")
	}
	if !m.Matches("db:query") {
		t.Fatal("expected a match for db:query (whitespace around the comma is trimmed)")
	}
	if m.Matches("swarm:stream") {
		t.Fatal("did not expect a match for swarm:stream")
	}
}

func TestSetReplacesPreviousGlobs(t *testing.T) {
	m := New("swarm:events")
	m.Set("db:query")
	if m.Matches("swarm:events") {
		t.Fatal("Set should have replaced the previous glob list")
	}
	if !m.Matches("db:query") {
		t.Fatal("expected the newly-set glob to match")
	}
}

func TestFromEnvReadsSwarmDebug(t *testing.T) {
	t.Setenv("SWARM_DEBUG", "swarm:stream")
	m := FromEnv()
	if !m.Matches("swarm:stream") {
		t.Fatal("expected FromEnv to pick up SWARM_DEBUG")
	}
}

func TestLogfOnlyWritesWhenNamespaceMatches(t *testing.T) {
	m := New("swarm:events")
	// No observable output surface beyond stderr; this is a smoke test that
	// calling Logf for a non-matching and a matching namespace doesn't panic.
	m.Logf("swarm:other", "should not print: %d", 1)
	m.Logf("swarm:events", "should print: %d", 1)
}
