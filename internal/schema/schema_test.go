package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "agentfund"}
	group := &cobra.Command{Use: "bridge", Short: "bridge funds between chains"}
	leaf := &cobra.Command{Use: "quote", Short: "request a bridge quote"}
	leaf.Flags().String("to-chain", "", "destination chain")
	group.AddCommand(leaf)
	root.AddCommand(group)

	s, err := Build(root, "bridge quote")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "agentfund bridge quote" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "to-chain" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
}

func TestBuildUnknownPath(t *testing.T) {
	root := &cobra.Command{Use: "agentfund"}
	if _, err := Build(root, "lend"); err == nil {
		t.Fatal("expected an error for an unknown command path")
	}
}
