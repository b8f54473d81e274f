package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statsTop int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show symbol store and selection statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsTop, "top", 10, "most selected symbols to show when analytics is configured")
}

type storeStats struct {
	Symbols          int            `json:"symbols"`
	Sectors          []string       `json:"sectors"`
	LastRefresh      time.Time      `json:"last_refresh"`
	Stale            bool           `json:"stale"`
	RecentSelections int            `json:"recent_selections"`
	TopSelected      map[string]int `json:"top_selected,omitempty"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	recent, err := a.store.Selections(ctx, 100)
	if err != nil {
		return err
	}
	out := storeStats{
		Symbols:          a.store.Len(),
		Sectors:          a.store.Sectors(),
		LastRefresh:      a.store.LastRefresh(),
		Stale:            a.store.IsStale(),
		RecentSelections: len(recent),
	}
	if a.analytics != nil {
		top, err := a.analytics.TopSymbols(ctx, time.Now().AddDate(0, 0, -7), statsTop)
		if err != nil {
			a.logger.Warn("analytics query failed", "err", err)
		} else {
			out.TopSelected = make(map[string]int, len(top))
			for _, t := range top {
				out.TopSelected[t.Symbol] = int(t.Count)
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
