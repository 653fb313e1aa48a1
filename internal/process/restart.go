package process

import "time"

// MaxRestartDelay caps exponential restart backoff.
const MaxRestartDelay = 5 * time.Minute

// RestartKind selects a restart rule.
type RestartKind string

const (
	RestartNever RestartKind = "never"
	// RestartAlways relaunches after any exit the process makes on its own,
	// a clean exit code 0 included, without an attempt limit.
	RestartAlways RestartKind = "always"
	// RestartOnFailure relaunches after a non-zero exit or a crash.
	RestartOnFailure RestartKind = "on_failure"
	// RestartOnCrash relaunches only after death by signal.
	RestartOnCrash RestartKind = "on_crash"
)

// RestartPolicy decides whether and after what delay a dead process is relaunched.
type RestartPolicy struct {
	Kind               RestartKind   `mapstructure:"kind" yaml:"kind"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Delay              time.Duration `mapstructure:"delay" yaml:"delay"`
	ExponentialBackoff bool          `mapstructure:"exponential_backoff" yaml:"exponential_backoff"`
}

// DefaultRestartPolicy restarts failed device processes up to three times.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{Kind: RestartOnFailure, MaxAttempts: 3, Delay: 5 * time.Second}
}

// ShouldRestart reports whether a process that has already been restarted
// count times and exited with exitCode (nil when unknown) should be restarted.
// Negative exit codes mean the process was killed by a signal.
func (p RestartPolicy) ShouldRestart(count int, exitCode *int) bool {
	switch p.Kind {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return count < p.MaxAttempts && (exitCode == nil || *exitCode != 0)
	case RestartOnCrash:
		return count < p.MaxAttempts && (exitCode == nil || *exitCode < 0)
	default:
		return false
	}
}

// RestartDelay returns how long to wait before the next attempt.
func (p RestartPolicy) RestartDelay(count int) time.Duration {
	if p.Kind == RestartNever {
		return 0
	}
	if !p.ExponentialBackoff {
		return p.Delay
	}
	shift := count
	if shift > 5 {
		shift = 5
	}
	if shift < 0 {
		shift = 0
	}
	d := p.Delay * time.Duration(1<<shift)
	if d > MaxRestartDelay {
		d = MaxRestartDelay
	}
	return d
}
