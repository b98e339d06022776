package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/casmesh/internal/api"
	"github.com/tunnelmesh/casmesh/internal/auth"
	"github.com/tunnelmesh/casmesh/internal/config"
)

var (
	statsNode    string
	statsPrefix  string
	statsTimeout time.Duration
)

func newStatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a node's counters",
		Long: `Fetch the flat counter map of a running node.

The node defaults to the advertise URL of the local configuration. The
shared secret of the configuration is used to authenticate.`,
		RunE: runStats,
	}
	statsCmd.Flags().StringVarP(&cfgFile, "config", "c", defaultConfigPath(), "Path to configuration file")
	statsCmd.Flags().StringVar(&statsNode, "node", "", "Node URL (default: advertise URL from config)")
	statsCmd.Flags().StringVar(&statsPrefix, "prefix", "", "Only show counters with this prefix")
	statsCmd.Flags().DurationVar(&statsTimeout, "timeout", 10*time.Second, "Request timeout")
	return statsCmd
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadStatsConfig()
	if err != nil {
		return err
	}

	node := statsNode
	if node == "" {
		node = cfg.Node.Advertise
	}

	var token func() (string, error)
	if cfg.Auth.SharedSecret != "" {
		signer, err := auth.NewSigner(cfg.Auth.SharedSecret, cfg.TokenTTL())
		if err != nil {
			return err
		}
		token = signer.TokenSource(cfg.Machine().String())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statsTimeout)
	defer cancel()

	stats, err := api.FetchStats(ctx, http.DefaultClient, node, token)
	if err != nil {
		return err
	}
	return printStats(cmd.OutOrStdout(), stats, statsPrefix)
}

// loadStatsConfig loads the config file, falling back to defaults when it
// does not exist so that --node works without one.
func loadStatsConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) && statsNode != "" {
		return config.Parse(nil)
	}
	return config.Load(cfgFile)
}

func printStats(out io.Writer, stats map[string]int64, prefix string) error {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", k, stats[k])
	}
	return w.Flush()
}
