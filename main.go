package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

const defaultConfigFile = "config.yaml"

// AppOptions carries parsed command line flags to the application.
type AppOptions struct {
	ConfigFile   string
	StorePath    string
	InputFile    string
	SourceURL    string
	LabelsFile   string
	OutputFile   string
	OutputFormat string
	RunID        string
	Limit        int
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// Application is implemented by App; tests substitute a mock.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunBuild() error
	RunValidate() error
	RunExport() error
	RunRender() error
	RunRuns() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		os.Exit(1)
	}
}

// run parses args and dispatches to app. Usage and errors go to out.
func run(args []string, out io.Writer, app Application) error {
	root := newRootCmd(out, app)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer, app Application) *cobra.Command {
	var global AppOptions

	// dispatch merges the persistent flags and the positional input file
	// into the command's own options before handing them over.
	dispatch := func(opts *AppOptions, fn func() error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			opts.ConfigFile = global.ConfigFile
			opts.StorePath = global.StorePath
			if len(args) > 0 {
				opts.InputFile = args[0]
			}
			app.ApplyOptions(*opts)
			return fn()
		}
	}

	root := &cobra.Command{
		Use:   "trailmesh",
		Short: "Build and clean routable trail networks",
		Long: `trailmesh turns raw trail LineStrings into a routable graph: it splits
trails at crossings, T and Y junctions, bridges small gaps between dead ends,
and applies classifier labels to merge or split nodes.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trailmesh version: %s\n", Version)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Use 'trailmesh build' to build a graph from trails")
			fmt.Fprintln(cmd.OutOrStdout(), "Use 'trailmesh serve --http --mqtt' to run the service")
			fmt.Fprintln(cmd.OutOrStdout())
			return cmd.Usage()
		},
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVar(&global.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	root.PersistentFlags().StringVar(&global.StorePath, "store", "", "SQLite result store (overrides store.path)")

	var buildOpts AppOptions
	buildCmd := &cobra.Command{
		Use:   "build [trails.geojson]",
		Short: "Build a topology graph from trails",
		Long: `Build a topology graph from a GeoJSON FeatureCollection, a single Feature
or newline-delimited features. Without a file the trails are fetched from
--url or input.sourceUrl. With --labels the graph is cleaned afterwards.`,
		Args: cobra.MaximumNArgs(1),
		RunE: dispatch(&buildOpts, app.RunBuild),
	}
	buildCmd.Flags().StringVar(&buildOpts.SourceURL, "url", "", "Fetch trails from this URL")
	buildCmd.Flags().StringVar(&buildOpts.LabelsFile, "labels", "", "Classifier labels JSON to apply")
	buildCmd.Flags().StringVarP(&buildOpts.OutputFile, "output", "o", "trails-graph.geojson", "Output file")
	buildCmd.Flags().StringVar(&buildOpts.OutputFormat, "format", "geojson", "Output format: geojson or ndjson")

	var validateOpts AppOptions
	validateCmd := &cobra.Command{
		Use:   "validate [trails.geojson]",
		Short: "Check configuration and trail input without writing output",
		Args:  cobra.MaximumNArgs(1),
		RunE:  dispatch(&validateOpts, app.RunValidate),
	}
	validateCmd.Flags().StringVar(&validateOpts.SourceURL, "url", "", "Fetch trails from this URL")

	var exportOpts AppOptions
	exportCmd := &cobra.Command{
		Use:   "export [trails.geojson]",
		Short: "Write node features for the classifier",
		Args:  cobra.MaximumNArgs(1),
		RunE:  dispatch(&exportOpts, app.RunExport),
	}
	exportCmd.Flags().StringVar(&exportOpts.SourceURL, "url", "", "Fetch trails from this URL")
	exportCmd.Flags().StringVar(&exportOpts.LabelsFile, "labels", "", "Known labels to include as training targets")
	exportCmd.Flags().StringVarP(&exportOpts.OutputFile, "output", "o", "features.json", "Output file")

	var renderOpts AppOptions
	renderCmd := &cobra.Command{
		Use:   "render [trails.geojson]",
		Short: "Render the graph as SVG or PNG",
		Args:  cobra.MaximumNArgs(1),
		RunE:  dispatch(&renderOpts, app.RunRender),
	}
	renderCmd.Flags().StringVar(&renderOpts.SourceURL, "url", "", "Fetch trails from this URL")
	renderCmd.Flags().StringVar(&renderOpts.LabelsFile, "labels", "", "Classifier labels JSON to apply before rendering")
	renderCmd.Flags().StringVarP(&renderOpts.OutputFile, "output", "o", "trails-graph.svg", "Output file")
	renderCmd.Flags().StringVar(&renderOpts.OutputFormat, "format", "", "Render format: svg or png (default from output extension)")

	var runsOpts AppOptions
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs or export a stored graph",
		Args:  cobra.NoArgs,
		RunE:  dispatch(&runsOpts, app.RunRuns),
	}
	runsCmd.Flags().IntVar(&runsOpts.Limit, "limit", 10, "Number of runs to list")
	runsCmd.Flags().StringVar(&runsOpts.RunID, "run", "", "Export the graph of this run (\"latest\" for the newest)")
	runsCmd.Flags().StringVarP(&runsOpts.OutputFile, "output", "o", "", "Output file for --run (default stdout)")

	var serveOpts AppOptions
	serveCmd := &cobra.Command{
		Use:   "serve [trails.geojson]",
		Short: "Run the HTTP and/or MQTT service",
		Args:  cobra.MaximumNArgs(1),
		RunE:  dispatch(&serveOpts, app.RunService),
	}
	serveCmd.Flags().StringVar(&serveOpts.SourceURL, "url", "", "Fetch trails from this URL")
	serveCmd.Flags().BoolVar(&serveOpts.MqttMode, "mqtt", false, "Subscribe to classifier labels and publish run summaries")
	serveCmd.Flags().BoolVar(&serveOpts.HttpMode, "http", false, "Serve the graph, report and metrics over HTTP")
	serveCmd.Flags().IntVar(&serveOpts.HttpPort, "http-port", 0, "HTTP server port (default from config)")

	root.AddCommand(buildCmd, validateCmd, exportCmd, renderCmd, runsCmd, serveCmd)
	return root
}
