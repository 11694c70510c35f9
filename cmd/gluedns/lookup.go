package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup NAME",
	Short: "Query a running gluedns daemon's registry over its diagnostics endpoint",
	Long: `lookup calls a local (or remote, with --diag-addr) gluedns instance's
/registry diagnostics endpoint and prints the addresses bound to NAME.
It is a debugging aid, not the DNS path itself: the daemon answers
actual DNS queries over the dns_bind address the config file names, not
through this endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runLookup,
}

func init() {
	lookupCmd.Flags().String("diag-addr", "127.0.0.1:8113", "diagnostics HTTP address of the target gluedns instance")
}

type registryBinding struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
	Origin  string `json:"Origin"`
}

func runLookup(cmd *cobra.Command, args []string) error {
	name := args[0]
	diagAddr, _ := cmd.Flags().GetString("diag-addr")

	resp, err := http.Get(fmt.Sprintf("http://%s/registry", diagAddr))
	if err != nil {
		return fmt.Errorf("query diagnostics endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("diagnostics endpoint returned %s: %s", resp.Status, body)
	}

	var bindings []registryBinding
	if err := json.NewDecoder(resp.Body).Decode(&bindings); err != nil {
		return fmt.Errorf("decode registry snapshot: %w", err)
	}

	found := false
	for _, b := range bindings {
		if b.Name == name {
			found = true
			fmt.Printf("%s\t%s\t(origin %s)\n", b.Name, b.Address, b.Origin)
		}
	}
	if !found {
		fmt.Printf("no bindings for %q\n", name)
	}
	return nil
}
