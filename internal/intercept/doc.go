// Package intercept gives each host process a private namespace for named
// synchronization objects.
//
// The vendor SDK guards itself with a machine-wide named mutex, so a second
// SDK instance on the same machine refuses to start. The SDK binding never
// calls the operating system directly: it goes through the process-wide
// entry table, Entry. Install swaps every entry for a wrapper that appends
// a process-unique suffix to the requested name before forwarding to the
// real entry point. Each host then holds its own "global" mutex. That is
// safe because every host owns exactly one board.
//
// Install must run before anything touches the table. Once the SDK has
// requested a named object the real name is already taken, and Install
// fails with ErrHookInstallFailed rather than leaving a half-hooked
// process behind.
//
// Usage:
//
//	state, err := intercept.Install(intercept.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := intercept.Active(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(state.Suffix)
package intercept
