package diagnostics

// Forbidden-pattern policy. The list deliberately mixes genuine defect
// markers (tracebacks, lock-release failures, leaked interfaces) with
// operational noise the platform team decided to treat as failures (slow
// lock acquisition). It is preserved verbatim as policy data; do not
// re-categorize entries here.

const (
	// etcdConnectionMessage is logged each time a daemon rebuilds its
	// connection to the etcd server. Some churn is normal; thousands of
	// rebuilds in one run mean connection thrashing.
	etcdConnectionMessage = "Building new etcd connection"
	// EtcdConnectionCeiling is the maximum tolerated count of
	// etcdConnectionMessage per run.
	EtcdConnectionCeiling = 5000

	// sigtermMessage is logged when a daemon receives a termination
	// signal. A handful accompany normal restarts during a run; dozens
	// mean daemons are being killed repeatedly.
	sigtermMessage = "Received SIGTERM"
	// SigtermCeiling is the maximum tolerated count of sigtermMessage
	// per run.
	SigtermCeiling = 50
)

// forbiddenPatterns are substrings whose mere presence fails the run.
var forbiddenPatterns = []string{
	"Traceback (most recent call last):",
	"Dumping thread traces",
	"Cannot release lock",
	"Acquired lock, but it was slow",
	"Extra vxlan present",
	"Leaked vxlan",
	`apparmor="DENIED"`,
	" ERROR stratus",
}

// DefaultChecks returns the full diagnostic policy applied to the
// collected platform log.
func DefaultChecks() []Check {
	checks := []Check{
		ThresholdCheck{Pattern: etcdConnectionMessage, Max: EtcdConnectionCeiling},
		ThresholdCheck{Pattern: sigtermMessage, Max: SigtermCeiling},
	}

	for _, pattern := range forbiddenPatterns {
		checks = append(checks, ForbiddenCheck{Pattern: pattern})
	}

	return checks
}
