package dispatch

import (
	"regexp"
	"strings"
)

var (
	changedFileRe = regexp.MustCompile(`(?m)^\s*(?:Edited|Created|Modified):\s+(.+)$`)
	commitHashRe  = regexp.MustCompile(`commit\s+([0-9a-f]{7,40})`)
)

// ParseSessionOutput extracts the changed-file list, the test signal, and
// the commit hash from a session transcript using fixed line heuristics.
// The test signal is deliberately pessimistic: any "fail" token anywhere in
// the transcript vetoes "pass".
func ParseSessionOutput(output string) (filesChanged []string, testsPassed bool, commitHash string) {
	seen := make(map[string]bool)
	for _, m := range changedFileRe.FindAllStringSubmatch(output, -1) {
		path := strings.TrimSpace(m[1])
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		filesChanged = append(filesChanged, path)
	}

	lower := strings.ToLower(output)
	testsPassed = strings.Contains(lower, "pass") && !strings.Contains(lower, "fail")

	if m := commitHashRe.FindStringSubmatch(output); m != nil {
		commitHash = m[1]
	}
	return filesChanged, testsPassed, commitHash
}

// Outcome classifies one finished dispatch attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTestsFailed Outcome = "testsFailed"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
)

// Classify applies the fixed precedence: timeout beats everything, then a
// failed or never-started exit, then the parsed test signal.
func Classify(out SessionOutput, testsPassed bool) Outcome {
	switch {
	case out.TimedOut:
		return OutcomeTimeout
	case out.StartErr != nil || out.ExitCode != 0:
		return OutcomeError
	case testsPassed:
		return OutcomeSuccess
	default:
		return OutcomeTestsFailed
	}
}
