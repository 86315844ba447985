package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/engine"
	"github.com/miyog/engine/internal/logging"
	"github.com/miyog/engine/internal/media"
	"github.com/miyog/engine/internal/model"
)

type options struct {
	storeDir   string
	workspace  string
	logLevel   string
	payload    string
	ffmpegPath string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "render",
		Short:         "Render timeline payloads locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Configure(logging.Config{Level: opts.logLevel, Format: "console", Output: cmd.ErrOrStderr()})
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.storeDir, "store", ".", "directory that storage keys resolve against")
	flags.StringVar(&opts.workspace, "workspace", os.TempDir(), "parent directory for the scratch workspace")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flags.StringVar(&opts.payload, "payload", "", "timeline payload JSON file")
	flags.StringVar(&opts.ffmpegPath, "ffmpeg", "", "ffmpeg binary (ffprobe is looked up next to it)")
	_ = root.MarkPersistentFlagRequired("payload")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newPlanCommand(opts))
	return root
}

func newRunCommand(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render the payload to an mp4",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, p, err := opts.setup()
			if err != nil {
				return err
			}
			ws, cleanup, err := opts.scratch()
			if err != nil {
				return err
			}
			defer cleanup()

			w := cmd.OutOrStdout()
			last := -1
			res, err := eng.Render(cmd.Context(), ws, p, out, func(v int) {
				if v != last {
					last = v
					fmt.Fprintf(cmd.ErrOrStderr(), "\rprogress %3d%%", v)
				}
			})
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			info, err := os.Stat(res.Output)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Output:  %s (%s)\n", res.Output, humanize.Bytes(uint64(info.Size())))
			fmt.Fprintf(w, "Elapsed: %s\n", res.Elapsed.Round(time.Millisecond))
			printSkipped(w, res.Plan.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "out.mp4", "output file")
	return cmd
}

func newPlanCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Resolve the payload and print the layer and audio plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, p, err := opts.setup()
			if err != nil {
				return err
			}
			ws, cleanup, err := opts.scratch()
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := eng.Plan(cmd.Context(), ws, p, func(int) {})
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
}

func (o *options) setup() (*engine.Engine, *model.RenderPayload, error) {
	data, err := os.ReadFile(o.payload)
	if err != nil {
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}
	var p model.RenderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}

	mo := media.Options{FFmpegPath: o.ffmpegPath}
	if o.ffmpegPath != "" {
		mo.FFprobePath = filepath.Join(filepath.Dir(o.ffmpegPath), "ffprobe")
	}
	ff, err := media.NewExecutor(logging.Base(), mo)
	if err != nil {
		return nil, nil, err
	}
	store, err := client.NewLocalStore(o.storeDir)
	if err != nil {
		return nil, nil, err
	}
	return engine.New(ff, ff, store, engine.Options{}, logging.Base()), &p, nil
}

func (o *options) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(o.workspace, "render-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func printPlan(w io.Writer, plan *engine.Plan) {
	comp := plan.Composition
	fmt.Fprintf(w, "Canvas:   %s @ %d fps, %.2fs, base %s\n", comp.Canvas, comp.FPS, comp.Duration, comp.BaseColor)

	rows := make([][]string, 0, len(comp.Layers))
	for i, l := range comp.Layers {
		g := l.Geometry
		rows = append(rows, []string{
			strconv.Itoa(i),
			l.Name,
			string(l.Kind),
			fmt.Sprintf("%.2f-%.2f", l.Start, l.End),
			fmt.Sprintf("%dx%d", g.Width, g.Height),
			fmt.Sprintf("%d,%d", g.X, g.Y),
			strconv.FormatFloat(g.Angle, 'f', -1, 64),
			strconv.FormatFloat(g.Opacity, 'f', 2, 64),
			sourceSize(l.Input.Path),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"#", "Layer", "Kind", "Window", "Size", "Pos", "Angle", "Opacity", "Source"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if len(plan.Mix) == 0 {
		fmt.Fprintln(w, "Audio: none")
	} else {
		rows = rows[:0]
		for _, c := range plan.Mix {
			rows = append(rows, []string{
				c.ClipID,
				fmt.Sprintf("%.2f", c.Start),
				fmt.Sprintf("%.2f", c.Play),
				fmt.Sprintf("%.2f", c.Volume),
				sourceSize(c.Path),
			})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Clip", "Start", "Play", "Volume", "Source"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
	}
	printSkipped(w, plan.Skipped)
}

func printSkipped(w io.Writer, skipped []engine.Skipped) {
	if len(skipped) == 0 {
		return
	}
	fmt.Fprintf(w, "Skipped %d clip(s):\n", len(skipped))
	for _, s := range skipped {
		fmt.Fprintf(w, "  %s\n", s)
	}
}

func sourceSize(path string) string {
	if path == "" {
		return "-"
	}
	info, err := os.Stat(path)
	if err != nil {
		return "?"
	}
	return humanize.Bytes(uint64(info.Size()))
}
