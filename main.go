package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile    string
	DataDir       string
	SnapshotCache string
	OutputFile    string
	RenderFormat  string
	HttpPort      int
	RenderOnly    bool
	MqttMode      bool
	HttpMode      bool
}

// Application is the set of entry points main dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunRender()
	RunService()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
}

// run parses args and dispatches to app.
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("pinmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory holding config and snapshot cache")
	fs.StringVar(&opts.SnapshotCache, "snapshot-cache", ".snapshot-cache.json", "Path to snapshot cache file")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Cluster the configured entities, render the overlay and exit")
	fs.StringVar(&opts.OutputFile, "output", "overlay.svg", "Output file for --render mode")
	fs.StringVar(&opts.RenderFormat, "format", "svg", "Render format: svg or png")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Ingest entity positions over MQTT and publish clusters")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for viewport notifications and snapshots")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "pinmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.RenderOnly {
		app.RunRender()
		return nil
	}

	if opts.MqttMode || opts.HttpMode {
		app.RunService()
		return nil
	}

	_, _ = fmt.Fprintln(out, "pinmesh service starting...")
	_, _ = fmt.Fprintln(out, "Use --render to cluster configured entities and write the overlay")
	_, _ = fmt.Fprintln(out, "Use --mqtt to ingest entity positions over MQTT")
	_, _ = fmt.Fprintln(out, "Use --http to accept viewport notifications and serve snapshots")
	_, _ = fmt.Fprintln(out, "Use --mqtt --http to run both together")
	_, _ = fmt.Fprintln(out, "\nConfiguration:")
	_, _ = fmt.Fprintln(out, "  config.yaml - MQTT settings, cluster options, viewport and entities")
	_, _ = fmt.Fprintln(out, "  .snapshot-cache.json - Last published cluster snapshot")
	return nil
}
