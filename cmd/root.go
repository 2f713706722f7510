package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox-streamer/config"
	"github.com/babelcloud/gbox-streamer/internal/util"
	"github.com/babelcloud/gbox-streamer/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "gbox-streamer",
	Short: "Capture, encode and stream audio and video",
	Long: `gbox-streamer drives a capture and encode pipeline: a video encoder fed through
a rendering surface, an audio encoder fed from a capture device, and a sink that
muxes both streams into FLV, fragmented MP4 or Matroska and sends them to a file,
a TCP or WebSocket endpoint, or HTTP viewers.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose || util.IsVerbose())
		util.SetupGlobalLogger()
		if file := config.ConfigFile(); file != "" {
			util.GetLogger().Debug("Using config file", "path", file)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().Short())
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewCodecsCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
