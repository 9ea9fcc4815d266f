package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/gomithril/embeddinglab"
	"github.com/gomithril/embeddinglab/session"
	"github.com/gomithril/embeddinglab/view"
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Load a model, embed one text and print the vector preview",
	RunE:  runEmbed,
}

func init() {
	flags := embedCmd.Flags()

	flags.String("text", "", "Text to embed (defaults to the configured demo text)")
	flags.String("url", "", "Model URL (defaults to the configured model_url)")
	flags.StringSlice("file", nil, "Local model files; the first .onnx is the model, the rest are sidecars")

	embedCmd.MarkFlagsMutuallyExclusive("url", "file")
}

func runEmbed(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	text, _ := flags.GetString("text")
	url, _ := flags.GetString("url")
	files, _ := flags.GetStringSlice("file")

	if !flags.Changed("text") {
		text = cfg.DefaultText
	}
	if url == "" && len(files) == 0 {
		url = cfg.ModelURL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	controller := newController(cfg)
	defer controller.Close()

	label := url
	var blobs []embeddinglab.Blob
	for _, f := range files {
		blob, err := embeddinglab.FileBlob(f)
		if err != nil {
			return err
		}
		blobs = append(blobs, blob)
	}
	if len(blobs) > 0 {
		label = blobs[0].Name()
	}

	progress := mpb.New(
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
		mpb.WithOutput(cmd.ErrOrStderr()),
	)
	bar := progress.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: 40, C: decor.DidentRight}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
		),
	)
	unsubscribe := controller.Subscribe(func(s session.Snapshot) {
		if s.Progress != nil {
			bar.SetCurrent(int64(*s.Progress))
		}
	})

	var err error
	if len(blobs) > 0 {
		err = controller.LoadFromFiles(ctx, blobs)
	} else {
		err = controller.LoadFromURL(ctx, url)
	}
	unsubscribe()

	snap := controller.Snapshot()
	if snap.Loaded {
		bar.SetCurrent(100)
	} else {
		bar.Abort(false)
	}
	progress.Wait()

	if err != nil {
		return err
	}
	if !snap.Loaded {
		return errors.New(snap.Status)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, view.StatusLine(snap))

	if err := controller.CreateEmbedding(ctx, text); err != nil {
		return err
	}
	snap = controller.Snapshot()
	if snap.Embedding == nil {
		return errors.New(snap.Status)
	}
	fmt.Fprintln(out, view.StatusLine(snap))

	fmt.Fprintln(out, view.Meta(snap))
	fmt.Fprintln(out, view.ResultText(snap))
	return nil
}
