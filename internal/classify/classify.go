// Package classify assigns an error classification to a failed package's
// combined output, deciding whether the engine should treat the failure
// as retriable or permanent. There is no equivalent in the teacher's
// distribution-build domain (a build either succeeds or it fails for
// good); the pattern table here is a direct rendering of the taxonomy the
// engine's own error-handling design calls for, matched with stdlib
// regexp since no pack library offers anything narrower than a general
// parser for this kind of small, fixed classification table.
package classify

import "regexp"

// Classification names one taxonomy entry.
type Classification string

const (
	Network               Classification = "network"
	VCSLock                Classification = "vcs-lock"
	PackageManagerRace     Classification = "package-manager-race"
	RemoteAPITransient     Classification = "remote-api-transient"
	Timeout                Classification = "timeout"
	TestFailure            Classification = "test-failure"
	CoverageBelowThreshold Classification = "coverage-below-threshold"
	BuildError             Classification = "build-error"
	MergeConflict          Classification = "merge-conflict"
	DirtyWorkingTree       Classification = "dirty-working-tree"
	AuthDenied             Classification = "auth-denied"
	PermissionDenied       Classification = "permission-denied"
	Unknown                Classification = "unknown"
)

// Retriable reports whether a classification should be retried
// automatically rather than surfaced as a permanent failure.
func (c Classification) Retriable() bool {
	switch c {
	case Network, VCSLock, PackageManagerRace, RemoteAPITransient, Timeout:
		return true
	default:
		return false
	}
}

type rule struct {
	classification Classification
	pattern        *regexp.Regexp
	retriable      bool
}

// rules is ordered so that a non-retriable classification always wins a
// dual match: permanent-failure patterns are checked first.
var rules = []rule{
	{TestFailure, regexp.MustCompile(`(?i)\b(FAIL|test failed|assertion failed|expected .* but got)\b`), false},
	{CoverageBelowThreshold, regexp.MustCompile(`(?i)coverage .* below (threshold|minimum)`), false},
	{MergeConflict, regexp.MustCompile(`(?i)(merge conflict|conflict markers|CONFLICT \(.*\))`), false},
	{DirtyWorkingTree, regexp.MustCompile(`(?i)(working tree|working directory) (is )?(dirty|not clean)`), false},
	{AuthDenied, regexp.MustCompile(`(?i)(authentication failed|401 unauthorized|invalid credentials|access denied)`), false},
	{PermissionDenied, regexp.MustCompile(`(?i)(permission denied|403 forbidden|insufficient permission)`), false},
	{BuildError, regexp.MustCompile(`(?i)(compil(e|ation) error|undefined reference|cannot find package|syntax error)`), false},

	{Network, regexp.MustCompile(`(?i)(connection reset|connection refused|no route to host|network is unreachable|dns lookup failed|i/o timeout)`), true},
	{VCSLock, regexp.MustCompile(`(?i)(index\.lock|another git process|repository is locked)`), true},
	{PackageManagerRace, regexp.MustCompile(`(?i)(lock file .* held by another process|could not obtain lock|resource temporarily unavailable)`), true},
	{RemoteAPITransient, regexp.MustCompile(`(?i)(50[0-9] (internal server error|bad gateway|service unavailable)|rate limit exceeded|429 too many requests)`), true},
	{Timeout, regexp.MustCompile(`(?i)(context deadline exceeded|timed out|operation timed out)`), true},
}

// Classify inspects output (typically the combined stdout+stderr of a
// failed package's command) and returns the taxonomy entry it matches.
// When output matches more than one rule, the first match in rule order
// wins, and non-retriable rules are ordered first so that e.g. a test
// failure whose message happens to also mention "timed out" is still
// treated as permanent. Output matching nothing returns Unknown
// (non-retriable): an unrecognised failure is never auto-retried.
func Classify(output string) Classification {
	for _, r := range rules {
		if r.pattern.MatchString(output) {
			return r.classification
		}
	}
	return Unknown
}
