package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKnowledgeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect knowledge-base document chunks",
	}
	cmd.AddCommand(newKnowledgeFragments(a), newKnowledgeRelated(a))
	return cmd
}

func newKnowledgeFragments(a *app) *cobra.Command {
	var (
		documentHash string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "fragments",
		Short: "List every chunk of one document in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if documentHash == "" {
				return fmt.Errorf("--document-hash is required")
			}
			chunks, err := a.knowledge.DocumentChunks(cmd.Context(), documentHash)
			if err != nil {
				return err
			}
			if asJSON {
				return emitJSON(chunks)
			}
			if len(chunks) == 0 {
				fmt.Println("no chunks found")
				return nil
			}
			for _, c := range chunks {
				fmt.Printf("--- chunk %d (%s) ---\n%s\n", c.ChunkIndex, c.Title, c.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&documentHash, "document-hash", "", "document hash to expand")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newKnowledgeRelated(a *app) *cobra.Command {
	var (
		documentHash string
		chunkIndex   int
		window       int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "related",
		Short: "Show a chunk with its neighbors for context",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if documentHash == "" {
				return fmt.Errorf("--document-hash is required")
			}
			chunks, err := a.knowledge.RelatedChunks(cmd.Context(), documentHash, chunkIndex, window)
			if err != nil {
				return err
			}
			if asJSON {
				return emitJSON(chunks)
			}
			if len(chunks) == 0 {
				fmt.Println("no chunks found")
				return nil
			}
			for _, c := range chunks {
				marker := " "
				if c.IsTargetChunk {
					marker = "*"
				}
				fmt.Printf("%s chunk %d: %s\n", marker, c.ChunkIndex, c.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&documentHash, "document-hash", "", "document hash")
	cmd.Flags().IntVar(&chunkIndex, "chunk-index", 0, "target chunk index")
	cmd.Flags().IntVar(&window, "window", 1, "neighbor chunks on each side")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
