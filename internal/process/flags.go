package process

import (
	"io"

	"github.com/spf13/pflag"
)

// Flags are the command-line settings shared by every process. Fields are
// only meaningful where the matching Set bit is true.
type Flags struct {
	Connect        string
	Timeout        int64
	Identification string
	Location       string
	ConfigFiles    []string

	ConnectSet        bool
	TimeoutSet        bool
	IdentificationSet bool
	LocationSet       bool
}

// AddFlags registers the process flags on fs and returns a function that
// collects them after fs.Parse.
func AddFlags(fs *pflag.FlagSet) func() Flags {
	var f Flags
	fs.StringVarP(&f.Connect, "connect", "c", "", "node to connect to (host:port)")
	fs.Int64VarP(&f.Timeout, "timeout", "t", 0, "connection timeout in milliseconds (-1 for none)")
	fs.StringVarP(&f.Identification, "identification", "i", "", "identification sent on connections")
	fs.StringVarP(&f.Location, "location", "l", "", "location of the process terminals in the terminal tree")
	return func() Flags {
		out := f
		out.ConnectSet = fs.Changed("connect")
		out.TimeoutSet = fs.Changed("timeout")
		out.IdentificationSet = fs.Changed("identification")
		out.LocationSet = fs.Changed("location")
		out.ConfigFiles = append([]string(nil), fs.Args()...)
		return out
	}
}

// ParseFlags parses args (without the program name). Positional arguments
// are configuration file patterns.
func ParseFlags(name string, args []string, usage io.Writer) (Flags, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(usage)
	collect := AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return collect(), nil
}
