// Package scanning runs the external host scanner for one target at a time.
//
// It owns the scan data model (Target, ScanOptions, ScanResult), the
// deterministic mapping from options to scanner arguments used both for
// execution and for command previews, the tolerant XML report parser and
// the process runner that enforces per-target timeouts.
//
// # Argument order
//
// BuildArgs always emits, in order: preset flags, -sC, -sV, -O, -Pn, -sn,
// -A, -v, the timing template, custom flags, -p with the custom or target
// ports, "-oX -" and finally the target address.
//
// # Failure classes
//
// Run converts every target-level failure into data:
//
//	result, err := runner.Run(ctx, scanning.Job{Target: t, Options: opts, Timeout: 5 * time.Minute})
//	if errors.IsFatal(err) {
//		// scanner missing, stop the session
//	}
//	// otherwise record result; result.Error says what went wrong, if anything
//
// A timeout yields TimeoutResult with no error. Crashes and unreadable
// reports return a best-effort result plus a CodeToolCrashed or CodeParse
// error. Only CodeToolNotFound is fatal.
package scanning
