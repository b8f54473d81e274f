package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ticker-search/search"
)

var (
	searchLimit        int
	searchAutocomplete bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the local symbol store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchAutocomplete, "autocomplete", false, "use autocomplete limits")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := newService(a)
	if err != nil {
		return err
	}
	defer svc.Close()

	query := strings.Join(args, " ")
	var resp search.Response
	if searchAutocomplete {
		resp, err = svc.Autocomplete(ctx, query, searchLimit)
	} else {
		resp, err = svc.Search(ctx, query, searchLimit)
	}
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		fmt.Printf("No results (%s)\n", resp.Reason)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tCOMPANY\tEXCHANGE\tMATCH\tSCORE\tRANK\tMARKET")
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%s\n",
			r.Stock.Symbol, r.Stock.Name, r.Stock.Exchange, r.MatchType, r.RawScore, r.RankScore, r.MarketStatus)
	}
	return w.Flush()
}
