package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wearecity/citykb/internal/source"
)

var (
	flagStatus string
	flagKind   string
	flagLimit  int
	flagForce  bool
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and manage knowledge sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources with their pipeline status",
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

		list, err := svcs.store.List(cmd.Context(), tenant, owner, source.ListFilter{
			Status: source.Status(flagStatus),
			Kind:   source.Kind(flagKind),
			Limit:  flagLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCHUNKS\tTITLE")
		for _, s := range list {
			title := s.Title
			if title == "" {
				title = s.OriginURL
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Kind, s.Status, s.ChunkCount, title)
			if s.Status == source.StatusError && s.Metadata.LastError != "" {
				fmt.Fprintf(w, "\t\t\t\t  error: %s\n", s.Metadata.LastError)
			}
		}
		return w.Flush()
	},
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a source and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(cmd, args[0], func(svcs *services, tenant, owner string, id uuid.UUID) error {
			if err := svcs.store.Delete(cmd.Context(), tenant, owner, id); err != nil {
				return err
			}
			fmt.Printf("source %s deleted\n", id)
			return nil
		})
	},
}

var sourcesRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry an errored source from its last completed stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(cmd, args[0], func(svcs *services, tenant, owner string, id uuid.UUID) error {
			if err := svcs.ingest.Retry(cmd.Context(), tenant, owner, id); err != nil {
				return err
			}
			fmt.Printf("source %s queued for retry\n", id)
			return nil
		})
	},
}

var sourcesReprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Run the full pipeline again for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(cmd, args[0], func(svcs *services, tenant, owner string, id uuid.UUID) error {
			if err := svcs.ingest.Reprocess(cmd.Context(), tenant, owner, id, flagForce); err != nil {
				return err
			}
			fmt.Printf("source %s queued for reprocessing\n", id)
			return nil
		})
	},
}

var sourcesEmbedCmd = &cobra.Command{
	Use:   "embed <id>",
	Short: "Generate embeddings for a processed source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(cmd, args[0], func(svcs *services, tenant, owner string, id uuid.UUID) error {
			if err := svcs.ingest.GenerateEmbeddings(cmd.Context(), tenant, owner, id); err != nil {
				return err
			}
			fmt.Printf("source %s embedded and ready\n", id)
			return nil
		})
	},
}

// withSource handles the shared parse/build/teardown of per-source
// commands.
func withSource(cmd *cobra.Command, rawID string, fn func(svcs *services, tenant, owner string, id uuid.UUID) error) error {
	tenant, owner, err := scope()
	if err != nil {
		return err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid source id %q: %w", rawID, err)
	}
	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.Close()
	return fn(svcs, tenant, owner, id)
}

func init() {
	sourcesListCmd.Flags().StringVar(&flagStatus, "status", "", "filter by status")
	sourcesListCmd.Flags().StringVar(&flagKind, "kind", "", "filter by kind")
	sourcesListCmd.Flags().IntVar(&flagLimit, "limit", 0, "cap the number of rows")
	sourcesReprocessCmd.Flags().BoolVar(&flagForce, "force", false, "discard existing chunks and embeddings first")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesDeleteCmd, sourcesRetryCmd,
		sourcesReprocessCmd, sourcesEmbedCmd)
	rootCmd.AddCommand(sourcesCmd)
}
