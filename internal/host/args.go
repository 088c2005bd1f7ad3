package host

import "errors"

// ErrUsage is returned when a host is started without both positional
// arguments.
var ErrUsage = errors.New("usage: boardhost <serviceUrl> <boardAddress>")

// Args are the positional arguments a board host is started with.
type Args struct {
	ServiceURL   string
	BoardAddress string
}

// ParseArgs reads the service URL and board address. Anything after the
// second argument is ignored.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 2 || argv[0] == "" || argv[1] == "" {
		return Args{}, ErrUsage
	}
	return Args{ServiceURL: argv[0], BoardAddress: argv[1]}, nil
}
