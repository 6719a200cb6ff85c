package registry

import "fmt"

// Policy selects which idle worker receives the next job. Every policy is
// deterministic given identical registry state, so scheduling decisions
// are reproducible in tests.
type Policy string

const (
	// RoundRobin cycles through idle workers in registration order.
	RoundRobin Policy = "round-robin"
	// LeastRecentlyUsed picks the idle worker that has been idle longest.
	LeastRecentlyUsed Policy = "least-recently-used"
	// LeastLoaded picks the idle worker with the fewest dispatched jobs.
	LeastLoaded Policy = "least-loaded"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case RoundRobin, LeastRecentlyUsed, LeastLoaded:
		return Policy(s), nil
	case "":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("registry: unknown policy %q", s)
	}
}
