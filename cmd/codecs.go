package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox-streamer/internal/codec/soft"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

func NewCodecsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "codecs",
		Short: "List the available encoders and container formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var encoders []map[string]any
			for _, e := range soft.NewRegistry().Encoders() {
				encoders = append(encoders, map[string]any{
					"name": e.Name,
					"mime": e.Mime,
					"kind": e.Kind.String(),
				})
			}
			util.RenderTable(out, []util.TableColumn{
				{Header: "ENCODER", Key: "name"},
				{Header: "MIME", Key: "mime"},
				{Header: "KIND", Key: "kind"},
			}, encoders)

			fmt.Fprintln(out)

			var formats []map[string]any
			for _, name := range formatNames() {
				formats = append(formats, map[string]any{
					"name":         name,
					"content_type": sinkFormats[name].ContentType,
				})
			}
			util.RenderTable(out, []util.TableColumn{
				{Header: "FORMAT", Key: "name"},
				{Header: "CONTENT TYPE", Key: "content_type"},
			}, formats)
			return nil
		},
	}
}
