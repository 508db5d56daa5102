package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/chronoslabs/chronos-compressor/internal/compression"
	"github.com/chronoslabs/chronos-compressor/internal/config"
	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/transcoder"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/spf13/cobra"
)

// encoderFactory builds the encoder from the loaded configuration; tests
// replace it
var encoderFactory = func(cfg *config.Config) compression.Encoder {
	return transcoder.NewFFmpeg(cfg.Compressor.FFmpegPath, cfg.Compressor.FFprobePath)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chronos",
		Short: "Compress videos to a fixed bitrate preset",
		Long: `chronos re-encodes a video with H.264/AAC at one of three bitrate presets
and reports how much space was saved.

Examples:
  # List the available presets
  chronos presets

  # Compress with the balanced preset into ./out
  chronos compress -i holiday.mov -p nebula -o ./out`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (defaults are used when empty)")

	rootCmd.AddCommand(newPresetsCmd(), newCompressCmd())
	return rootCmd
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List compression presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tBITRATE\tLABEL\tDEFAULT")
			def := compression.DefaultPreset()
			for _, p := range compression.Presets() {
				marker := ""
				if p.Key == def.Key {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Key, p.Bitrate, p.Label, marker)
			}
			return w.Flush()
		},
	}
}

func newCompressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Compress a video file",
		Long: `Compress a video file and write chronos_optimized_<name> to the output directory.

Example:
  chronos compress -i input.mp4 -p quantum -o ./output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath, _ := cmd.Flags().GetString("input")
			outputDir, _ := cmd.Flags().GetString("output")
			presetName, _ := cmd.Flags().GetString("preset")
			verbose, _ := cmd.Flags().GetBool("verbose")
			configPath, _ := cmd.Flags().GetString("config")

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			preset, err := compression.LookupPreset(presetName)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), level)

			compressor := compression.NewCompressor(encoderFactory(cfg), compression.Options{
				TempDir: cfg.Compressor.TempDir,
			}, logger)

			var progress compression.ProgressFunc
			if verbose {
				progress = func(p float64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\rencoding... %5.1f%%", p)
				}
			}

			video := compression.UploadedVideo{
				Name:      filepath.Base(inputPath),
				SizeBytes: int64(len(data)),
				RawBytes:  data,
			}
			result, err := compressor.CompressWithProgress(cmd.Context(), video, preset, progress)
			if verbose {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outputDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			outputPath := filepath.Join(outputDir, result.OutputFileName)
			if err := os.WriteFile(outputPath, result.OutputBytes, 0644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}

			report := models.NewReport(result.OutputFileName, preset.Label, preset.Bitrate,
				result.OriginalSizeBytes, result.CompressedSizeBytes)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Preset:  %s (%s)\n", preset.Label, preset.Bitrate)
			fmt.Fprintf(out, "Output:  %s\n", outputPath)
			fmt.Fprintf(out, "Result:  %s\n", report.Summary())
			return nil
		},
	}

	cmd.Flags().StringP("input", "i", "", "Input video file")
	cmd.Flags().StringP("output", "o", ".", "Output directory")
	cmd.Flags().StringP("preset", "p", compression.DefaultPreset().Key, "Preset key, label or bitrate")
	cmd.Flags().BoolP("verbose", "v", false, "Show encoder progress and debug logs")
	cmd.MarkFlagRequired("input")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
