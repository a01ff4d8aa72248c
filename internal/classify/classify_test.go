package classify

import "testing"

func TestClassifyRetriableCases(t *testing.T) {
	cases := map[string]Classification{
		"dial tcp: connection reset by peer":     Network,
		"fatal: Unable to create '.git/index.lock': File exists": VCSLock,
		"npm ERR! could not obtain lock on node_modules":         PackageManagerRace,
		"GET https://api.github.com: 503 Service Unavailable":    RemoteAPITransient,
		"context deadline exceeded":                              Timeout,
	}
	for output, want := range cases {
		got := Classify(output)
		if got != want {
			t.Errorf("Classify(%q) = %q, want %q", output, got, want)
		}
		if !got.Retriable() {
			t.Errorf("%q should be retriable", got)
		}
	}
}

func TestClassifyNonRetriableCases(t *testing.T) {
	cases := map[string]Classification{
		"--- FAIL: TestFoo (0.00s)":                          TestFailure,
		"coverage 42.1% is below threshold 80%":               CoverageBelowThreshold,
		"CONFLICT (content): Merge conflict in main.go":       MergeConflict,
		"error: working tree is dirty, commit or stash first": DirtyWorkingTree,
		"Authentication failed for 'https://example.com/'":    AuthDenied,
		"403 Forbidden: insufficient permission":               PermissionDenied,
		"undefined reference to `main`":                       BuildError,
	}
	for output, want := range cases {
		got := Classify(output)
		if got != want {
			t.Errorf("Classify(%q) = %q, want %q", output, got, want)
		}
		if got.Retriable() {
			t.Errorf("%q should not be retriable", got)
		}
	}
}

func TestClassifyUnknownIsNotRetriable(t *testing.T) {
	got := Classify("something entirely unrecognised happened")
	if got != Unknown {
		t.Errorf("Classify(unrecognised) = %q, want unknown", got)
	}
	if got.Retriable() {
		t.Error("unknown must not be retriable")
	}
}

func TestClassifyNonRetriableWinsDualMatch(t *testing.T) {
	// Mentions both a timeout phrase and a test failure marker; the
	// permanent classification must win.
	got := Classify("--- FAIL: TestSlow: the request timed out waiting for a response")
	if got != TestFailure {
		t.Errorf("Classify(dual match) = %q, want test-failure to win", got)
	}
}
