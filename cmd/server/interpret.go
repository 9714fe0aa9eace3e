package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/healthsimple/companion-gateway/internal/physio"
)

var (
	inputFile    string
	outputFormat string
	windowSize   int
)

var interpretCmd = &cobra.Command{
	Use:   "interpret",
	Short: "Interpret feature samples without running the server",
	Long: `Reads one feature sample (a JSON object) or a series of samples (a JSON
array, oldest first) and prints the physiological state of each.

Examples:
  server interpret -f sample.json
  cat samples.json | server interpret -f - --format yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInput(inputFile)
		if err != nil {
			return err
		}
		defer in.Close()
		return interpret(in, cmd.OutOrStdout(), outputFormat, windowSize, time.Now())
	},
}

func init() {
	interpretCmd.Flags().StringVarP(&inputFile, "file", "f", "-", "input sample file (JSON), - for stdin")
	interpretCmd.Flags().StringVar(&outputFormat, "format", "json", "output format: json or yaml")
	interpretCmd.Flags().IntVarP(&windowSize, "window", "w", physio.DefaultWindowSize, "samples kept for trend analysis")
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// decodeRecords accepts a single JSON object or an array of objects.
func decodeRecords(r io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no input")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if data[0] == '[' {
		var records []map[string]any
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("decode samples: %w", err)
		}
		return records, nil
	}
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return []map[string]any{record}, nil
}

// interpret runs each record through a sliding window, as a session would,
// and writes the resulting states.
func interpret(r io.Reader, w io.Writer, format string, window int, now time.Time) error {
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unknown format %q", format)
	}
	records, err := decodeRecords(r)
	if err != nil {
		return err
	}

	interpreter := physio.NewInterpreter(physio.DefaultFreshness, window)
	history := physio.NewWindow(window)
	states := make([]physio.State, 0, len(records))
	for _, record := range records {
		sample := physio.ParseSample(record, now)
		states = append(states, interpreter.Interpret(sample, history.Samples(), now))
		history.Push(sample)
	}

	var out any = states
	if len(states) == 1 {
		out = states[0]
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}
