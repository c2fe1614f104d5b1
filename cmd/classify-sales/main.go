package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/mmdatafocus/pos_ledger/classify"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/salesledger"
	"github.com/mmdatafocus/pos_ledger/utils"
)

// Classifies rows written by background syncs, which skip classification.
// Each pass handles at most SALES_SYNC_CLASSIFY_MAX_ROWS rows per business;
// -until-done repeats passes until every pending row of a business has been
// tried against the rules. -retry-unmatched rescans rows earlier passes found
// no rule for, after the rules changed.
func main() {
	businessID := flag.String("business-id", "", "Optional: classify only one business (uuid string).")
	untilDone := flag.Bool("until-done", false, "Repeat batches until no untried unclassified rows remain.")
	retryUnmatched := flag.Bool("retry-unmatched", false, "Drop cached rules and retry rows no rule matched before.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(ctx)
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	engine, err := salesledger.NewEngine(db, classify.NewRuleClassifier(), nil, config.LoadSyncSettings())
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	ids, err := models.ListActiveBusinessIds(ctx, db, *businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list businesses: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, bid := range ids {
		bctx := utils.SetBusinessIdInContext(ctx, bid)
		if *retryUnmatched {
			if err := classify.InvalidateRules(bctx, db, bid); err != nil {
				fmt.Fprintf(os.Stderr, "business %s: reset rules: %v\n", bid, err)
				failed++
				continue
			}
		}
		total := 0
		prev := int64(-1)
		for {
			n, err := engine.ClassifyPending(bctx, bid)
			if err != nil {
				fmt.Fprintf(os.Stderr, "business %s: %v\n", bid, err)
				failed++
				break
			}
			total += n
			if !*untilDone {
				break
			}
			// a batch stamps the rows it leaves behind; no progress means no rules
			left, err := classify.CountUnattempted(bctx, db, bid)
			if err != nil {
				fmt.Fprintf(os.Stderr, "business %s: %v\n", bid, err)
				failed++
				break
			}
			if left == 0 || left == prev {
				break
			}
			prev = left
		}
		fmt.Printf("business=%s classified=%d\n", bid, total)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
