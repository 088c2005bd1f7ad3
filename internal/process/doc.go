// Package process spawns and terminates supervised child processes.
//
// A Handle owns one OS process from spawn to exit. It never restarts
// anything itself; restart policy belongs to the supervisor, which polls
// Exited on every reconciliation tick.
//
// On unix each child gets its own process group so Stop reaches any
// grandchildren too: SIGTERM to the group, then SIGKILL once the grace
// period runs out. Windows has no console signal for a detached child, so
// Stop terminates it directly.
//
// Alive and FindByName inspect processes the handle doesn't own; the
// watchdog uses them.
//
// Example usage:
//
//	h, err := process.Start(process.Spec{
//	    Name:   "dev_A",
//	    Binary: "/opt/boardfleet/boardhost",
//	    Args:   []string{"http://127.0.0.1:9001", "192.168.10.21"},
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer h.Stop(5 * time.Second)
package process
