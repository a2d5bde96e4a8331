package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wearecity/citykb/internal/rag"
)

var flagMaxSources int

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question over the ingested corpus",
	Args:  cobra.MinimumNArgs(1),
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

		ans, err := svcs.orchestrator.Answer(cmd.Context(), rag.Query{
			Text:       strings.Join(args, " "),
			TenantID:   tenant,
			OwnerID:    owner,
			MaxSources: flagMaxSources,
		})
		if err != nil {
			return err
		}

		fmt.Println(ans.Text)
		if ans.Degraded {
			fmt.Println("\n(note: semantic search unavailable, lexical matches only)")
		}
		if ans.NoSourcesUsed {
			fmt.Println("\n(no local sources matched; answered from general knowledge)")
		} else {
			fmt.Println("\nSources:")
			for _, c := range ans.CitedSources {
				line := "  " + c.Title
				if c.URL != "" {
					line += " <" + c.URL + ">"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus and conversation counts",
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

		st, err := svcs.orchestrator.Stats(cmd.Context(), tenant, owner)
		if err != nil {
			return err
		}
		fmt.Printf("sources: %d (embedded: %d)\n", st.TotalSources, st.WithEmbedding)
		for kind, n := range st.ByKind {
			fmt.Printf("  %s: %d\n", kind, n)
		}
		fmt.Println("by status:")
		for status, n := range st.ByStatus {
			fmt.Printf("  %s: %d\n", status, n)
		}
		fmt.Printf("chunks: %d\nconversations: %d\n", st.TotalChunks, st.Conversations)
		return nil
	},
}

func init() {
	askCmd.Flags().IntVar(&flagMaxSources, "max-sources", 0, "cap the context sources per answer")
	rootCmd.AddCommand(askCmd, statsCmd)
}
