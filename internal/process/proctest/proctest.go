// Package proctest re-executes the running test binary as a child process
// with a scripted behaviour, so lifecycle tests can spawn real processes
// without shipping fixtures.
//
// The test package wires it in from TestMain:
//
//	func TestMain(m *testing.M) {
//	    proctest.RunIfHelper()
//	    os.Exit(m.Run())
//	}
package proctest

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// EnvHelper marks a re-executed helper child.
const EnvHelper = "BOARDFLEET_HELPER_PROCESS"

// Behaviours understood by the helper.
const (
	Sleep      = "sleep"       // block until killed
	IgnoreTerm = "ignore-term" // ignore SIGTERM, block until killed
	Exit       = "exit"        // exit with the code given as next argument
	Echo       = "echo"        // print the remaining arguments, exit 0
)

// Binary returns the path of the running test binary.
func Binary() string {
	return os.Args[0]
}

// Args returns the command line that runs behaviour in a helper child.
func Args(behaviour ...string) []string {
	return append([]string{"-test.run=^$", "--"}, behaviour...)
}

// Env returns the environment entries that activate the helper.
func Env() map[string]string {
	return map[string]string{EnvHelper: "1"}
}

// EnvList is Env in KEY=value form.
func EnvList() []string {
	return []string{EnvHelper + "=1"}
}

// RunIfHelper runs the scripted behaviour and exits when the process was
// started as a helper. Otherwise it returns immediately.
func RunIfHelper() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "proctest: no behaviour given")
		os.Exit(2)
	}

	switch args[0] {
	case Sleep:
		block()
	case IgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		block()
	case Exit:
		code := 0
		if len(args) > 1 {
			code, _ = strconv.Atoi(args[1]) //nolint:errcheck // Defaults to 0
		}
		os.Exit(code)
	case Echo:
		for _, a := range args[1:] {
			fmt.Println(a)
		}
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "proctest: unknown behaviour %q\n", args[0])
		os.Exit(2)
	}
}

func block() {
	for {
		time.Sleep(time.Hour)
	}
}
