package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wearecity/citykb/internal/source"
)

var (
	flagExtractLinks bool
	flagTitle        string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a knowledge source",
}

var addURLCmd = &cobra.Command{
	Use:   "url <url>",
	Short: "Add a web page source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, owner, err := scope()
		if err != nil {
			return err
		}
		svcs, err := buildServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svcs.Close()

		src, err := svcs.ingest.AddSource(cmd.Context(), tenant, owner, source.URLSpec{
			URL:          args[0],
			Title:        flagTitle,
			ExtractLinks: flagExtractLinks,
		})
		if err != nil {
			return err
		}
		fmt.Printf("source %s queued (%s)\n", src.ID, src.OriginURL)
		return nil
	},
}

var addTextCmd = &cobra.Command{
	Use:   "text <title> [file]",
	Short: "Add a text source from a file or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, owner, err := scope()
		if err != nil {
			return err
		}

		var content []byte
		if len(args) == 2 {
			content, err = os.ReadFile(args[1])
		} else {
			content, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}

		svcs, err := buildServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svcs.Close()

		src, err := svcs.ingest.AddSource(cmd.Context(), tenant, owner, source.TextSpec{
			Title:   args[0],
			Content: string(content),
		})
		if err != nil {
			return err
		}
		fmt.Printf("source %s queued (%s)\n", src.ID, src.Title)
		return nil
	},
}

func init() {
	addURLCmd.Flags().BoolVar(&flagExtractLinks, "extract-links", false, "also ingest documents linked on the page")
	addURLCmd.Flags().StringVar(&flagTitle, "title", "", "override the extracted title")
	addCmd.AddCommand(addURLCmd, addTextCmd)
	rootCmd.AddCommand(addCmd)
}
