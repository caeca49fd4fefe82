// Package main is the entry point for the sheetscan CLI
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/james-see/sheetscan/pkg/api"
	"github.com/james-see/sheetscan/pkg/config"
	"github.com/james-see/sheetscan/pkg/imageprep"
	"github.com/james-see/sheetscan/pkg/logger"
	"github.com/james-see/sheetscan/pkg/notation"
	"github.com/james-see/sheetscan/pkg/tui"
	"github.com/james-see/sheetscan/pkg/vision"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	outputFile   string
	outputFormat string
	instrument   string
	semitones    int
	logLevel     string
	logJSON      bool
	envFile      string
	serverPort   int

	titleOverride string
	keyOverride   string
	timeOverride  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sheetscan",
	Short: "Turn photos of sheet music into ABC notation",
	Long: `sheetscan sends a photo or PDF of printed sheet music to a Gemini vision
model, compiles the transcription into ABC notation, transposes it for Bb, Eb
and F instruments and exports MIDI.

Examples:
  sheetscan analyze page.jpg -f abc -o page.abc
  sheetscan compile notes.json --key F -i Bb
  sheetscan transpose tune.abc -i Eb
  sheetscan midi notes.json -o tune.mid
  sheetscan tui
  sheetscan serve --port 8080`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image|pdf>",
	Short: "Transcribe a score image with the vision model",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var compileCmd = &cobra.Command{
	Use:   "compile <notes.json>",
	Short: "Compile a note list into ABC notation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompile,
}

var transposeCmd = &cobra.Command{
	Use:   "transpose <file.abc>",
	Short: "Transpose ABC notation for an instrument",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranspose,
}

var midiCmd = &cobra.Command{
	Use:   "midi <notes.json>",
	Short: "Export a note list as a MIDI file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMIDI,
}

var instrumentsCmd = &cobra.Command{
	Use:   "instruments",
	Short: "List transposing instruments",
	Args:  cobra.NoArgs,
	RunE:  runInstruments,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the Gemini API key and model",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

var tuiCmd = &cobra.Command{
	Use:   "tui [image|pdf]",
	Short: "Launch the interactive review UI",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTUI,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	RunE:  runServe,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&instrument, "instrument", "i", "C", "Instrument key (C, Bb, Eb, F)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file")

	// analyze command
	analyzeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default stdout)")
	analyzeCmd.Flags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, abc)")

	// compile and midi commands read metadata overrides
	for _, c := range []*cobra.Command{compileCmd, midiCmd} {
		c.Flags().StringVarP(&outputFile, "output", "o", "", "Output file")
		c.Flags().StringVar(&titleOverride, "title", "", "Override the title")
		c.Flags().StringVar(&keyOverride, "key", "", "Override the key signature")
		c.Flags().StringVar(&timeOverride, "time", "", "Override the time signature")
	}

	// transpose command
	transposeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default stdout)")
	transposeCmd.Flags().IntVarP(&semitones, "semitones", "s", 0, "Explicit semitone shift (overrides --instrument)")

	// serve command
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")

	// Add commands
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(transposeCmd)
	rootCmd.AddCommand(midiCmd)
	rootCmd.AddCommand(instrumentsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(serveCmd)
}

// setup loads configuration and applies the global flags to it
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(config.Options{EnvFile: envFile})
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	logger.SetDefault(log)
	return cfg, log, nil
}

func newGemini(cfg *config.Config, log logger.Logger) *vision.GeminiClient {
	return vision.NewGeminiClient(vision.GeminiConfig{
		APIKey:         cfg.Gemini.APIKey,
		BaseURL:        cfg.Gemini.BaseURL,
		Models:         cfg.Gemini.Models,
		DiscoverModels: cfg.Gemini.DiscoverModels,
		Timeout:        cfg.Gemini.Timeout,
		MaxRetries:     cfg.Gemini.MaxRetries,
		Logger:         log,
	})
}

func newPreparer(cfg *config.Config) *imageprep.Preparer {
	return &imageprep.Preparer{
		MaxWidth:  cfg.Image.MaxWidth,
		Quality:   cfg.Image.Quality,
		MaxBytes:  cfg.Image.MaxBytes,
		MaxPixels: cfg.Image.MaxPixels,
	}
}

func newCompiler(cfg *config.Config) *notation.Compiler {
	return notation.NewCompiler(notation.CompileOptions{
		DefaultTitle: cfg.Notation.DefaultTitle,
		StaffWidth:   cfg.Notation.StaffWidth,
	})
}

func getOutputPath(input, defaultExt string) string {
	if outputFile != "" {
		return outputFile
	}
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + defaultExt
}

// writeOutput writes to outputFile, or stdout when none was given
func writeOutput(data []byte) error {
	if outputFile == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outputFile, data, 0644)
}

// readScore loads a note list file. The same loose shapes the vision model
// produces are accepted: {attributes, notes}, {measures}, or a bare array.
func readScore(path string) (notation.Score, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return notation.Score{}, err
	}
	t, err := vision.ParseTranscription(string(data))
	if err != nil {
		return notation.Score{}, fmt.Errorf("%s: %w", path, err)
	}
	meta := notation.MergeMetadata(t.Metadata, notation.ScoreMetadata{
		Title:         titleOverride,
		KeySignature:  keyOverride,
		TimeSignature: timeOverride,
	})
	return notation.Score{Metadata: meta, Notes: notation.NormalizeAll(t.Notes)}, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	img, err := newPreparer(cfg).Prepare(data)
	if err != nil {
		return err
	}

	log.Info("transcribing", "file", filepath.Base(args[0]), "mime", img.MIMEType, "bytes", len(img.Data))
	t, err := newGemini(cfg, log).Transcribe(cmd.Context(), img)
	if err != nil {
		return err
	}
	notes := notation.NormalizeAll(t.Notes)

	switch outputFormat {
	case "abc":
		abc := t.Notation
		if len(notes) > 0 || abc == "" {
			abc, err = newCompiler(cfg).Compile(&t.Metadata, notes)
			if err != nil {
				return err
			}
		}
		abc = notation.TransposeTokens(abc, notation.OffsetFor(instrument))
		return writeOutput([]byte(abc + "\n"))
	case "json":
		out, err := json.MarshalIndent(map[string]any{
			"metadata": t.Metadata,
			"notes":    notes,
			"notation": t.Notation,
			"model":    t.Model,
		}, "", "  ")
		if err != nil {
			return err
		}
		return writeOutput(append(out, '\n'))
	default:
		return fmt.Errorf("unknown format %q (want json or abc)", outputFormat)
	}
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	score, err := readScore(args[0])
	if err != nil {
		return err
	}

	abc, err := newCompiler(cfg).Compile(&score.Metadata, score.Notes)
	if err != nil {
		return err
	}
	abc = notation.TransposeTokens(abc, notation.OffsetFor(instrument))
	return writeOutput([]byte(abc + "\n"))
}

func runTranspose(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	shift := notation.OffsetFor(instrument)
	if cmd.Flags().Changed("semitones") {
		shift = semitones
	}
	return writeOutput([]byte(notation.TransposeTokens(string(data), shift)))
}

func runMIDI(cmd *cobra.Command, args []string) error {
	score, err := readScore(args[0])
	if err != nil {
		return err
	}
	transposition := notation.TranspositionFor(instrument)

	result, err := notation.NewMIDIExporter().Export(score, transposition.MidiTranspose)
	if err != nil {
		return err
	}

	output := getOutputPath(args[0], ".mid")
	if err := os.WriteFile(output, result, 0644); err != nil {
		return err
	}
	fmt.Printf("Exported %s -> %s (%s)\n", args[0], output, transposition.Instrument.Key)
	return nil
}

func runInstruments(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tOFFSET\tINSTRUMENTS")
	for _, inst := range notation.Instruments() {
		fmt.Fprintf(w, "%s\t%+d\t%s\n", inst.Key, inst.Offset, inst.Name)
	}
	return w.Flush()
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	reply, err := newGemini(cfg, log).Ping(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	// The alt screen owns the terminal; keep log lines out of it
	quiet := logger.Nop()

	opts := tui.Options{
		Provider:   newGemini(cfg, quiet),
		Preparer:   newPreparer(cfg),
		Compiler:   newCompiler(cfg),
		Instrument: instrument,
	}
	if len(args) == 1 {
		opts.File = args[0]
	}
	return tui.Run(opts)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	srv, err := api.FromConfig(cfg, newGemini(cfg, log), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting API server on %s...\n", cfg.Server.Addr())
	return srv.ListenAndServe(ctx, cfg.Server.Addr())
}
