package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wearecity/citykb/internal/crawl"
)

var flagInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the crawl import loop",
	Long: `Periodically imports completed crawl deposits into the ingestion
pipeline until interrupted. The crawler itself runs elsewhere; this
worker only consumes what it finished.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _, err := scope()
		if err != nil {
			return err
		}
		svcs, err := buildServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svcs.Close()

		importer := crawl.NewImporter(crawl.NewStore(svcs.pool), svcs.ingest, svcs.logger)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(flagInterval)
		defer ticker.Stop()

		fmt.Printf("worker running, importing for tenant %s every %s\n", tenant, flagInterval)
		for {
			n, err := importer.ImportCompleted(cmd.Context(), tenant)
			if err != nil {
				svcs.logger.Error("crawl import failed", "error", err)
			} else if n > 0 {
				fmt.Printf("imported %d crawl documents\n", n)
			}
			select {
			case <-stop:
				fmt.Println("shutting down")
				return nil
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	workerCmd.Flags().DurationVar(&flagInterval, "interval", time.Minute, "import poll interval")
	rootCmd.AddCommand(workerCmd)
}
