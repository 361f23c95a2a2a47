package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
)

// Parse builds a Config from command-line arguments (without the program
// name). On --help it writes usage to stdout and returns flag.ErrHelp.
// Every other failure is a *UsageError.
func Parse(prog string, args []string, stdout io.Writer) (Config, error) {
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	def := Default()
	host := fs.String("host", def.Host, "The host to serve from.")
	mdns := fs.Bool("mdns", false, "Advertise this service over mDNS.")
	port := fs.String("port", "", "The `port` to serve on (required).")
	configFile := fs.String("config", "", "Load settings from an HCL `file`; flags override it.")
	root := fs.String("root", def.Root, "The `directory` to serve.")
	idle := fs.Duration("idle-timeout", def.IdleTimeout, "Close connections idle for this `duration`.")
	showHidden := fs.Bool("show-hidden", false, "Serve and list dotfiles.")
	metricsAddr := fs.String("metrics-addr", "", "Expose Prometheus metrics on this `address`.")
	logLevel := fs.String("log-level", def.LogLevel, "Log `level`: debug, info, warn or error.")
	logJSON := fs.Bool("log-json", false, "Write logs as JSON.")
	name := fs.String("name", "", "mDNS service instance `name` (defaults to the host name).")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			PrintUsage(fs, stdout)
			return Config{}, flag.ErrHelp
		}
		return Config{}, usageErr(err)
	}
	if fs.NArg() > 0 {
		return Config{}, usageErr(fmt.Errorf("unexpected argument: %s", fs.Arg(0)))
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := def
	if *configFile != "" {
		f, err := LoadFile(*configFile)
		if err != nil {
			return Config{}, usageErr(err)
		}
		if err := f.apply(&cfg); err != nil {
			return Config{}, usageErr(err)
		}
	}

	if set["port"] {
		p, err := ParsePort(*port)
		if err != nil {
			return Config{}, usageErr(err)
		}
		cfg.Port = p
	}
	if cfg.Port == 0 {
		return Config{}, usageErr(ErrMissingPort)
	}

	if set["host"] {
		cfg.Host = *host
	}
	if set["mdns"] {
		cfg.MDNS = *mdns
	}
	if set["root"] {
		cfg.Root = *root
	}
	if set["idle-timeout"] {
		cfg.IdleTimeout = *idle
	}
	if set["show-hidden"] {
		cfg.ShowHidden = *showHidden
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["log-json"] {
		cfg.LogJSON = *logJSON
	}
	if set["name"] {
		cfg.ServiceName = *name
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, usageErr(err)
	}
	return cfg, nil
}

// PrintUsage writes the usage line and every option with its default.
func PrintUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, "Usage: %s --port PORT [--mdns|--host HOST]\n\nOptions:\n", fs.Name())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fs.VisitAll(func(f *flag.Flag) {
		arg, usage := flag.UnquoteUsage(f)
		opt := "--" + f.Name
		if arg != "" {
			opt += " " + arg
		}
		switch f.DefValue {
		case "", "false", "0s":
			fmt.Fprintf(tw, "  %s\t%s\n", opt, usage)
		default:
			fmt.Fprintf(tw, "  %s\t%s [default: %q]\n", opt, usage, f.DefValue)
		}
	})
	fmt.Fprintf(tw, "  --help\tShow help.\n")
	tw.Flush()
}
