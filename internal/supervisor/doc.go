// Package supervisor keeps a fleet of board hosts alive.
//
// Each registered service is one host process. The supervisor spawns it
// with a fresh instance id, polls it on a health ticker, respawns it after
// a crash while auto-restart is enabled and optionally renews a liveness
// lease on it over the host's RPC surface. Every lifecycle transition is
// reported to the configured observers.
//
// Operations on one service id are serialized. Different ids proceed
// concurrently.
//
//	sup, err := supervisor.New(reg, supervisor.Options{StopGrace: 5 * time.Second})
//	if err != nil {
//	    return err
//	}
//	go sup.Run(ctx)
//	err = sup.Start(ctx, "dev_A")
package supervisor
