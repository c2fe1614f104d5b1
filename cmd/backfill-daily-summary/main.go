package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/salesledger"
	"github.com/mmdatafocus/pos_ledger/utils"
)

// Recomputes daily_sales_summaries from sale_rows for a date range. Used
// after a bulk sync whose batch pass failed, or to repair drifted aggregates.
func main() {
	businessID := flag.String("business-id", "", "Optional: backfill only one business (uuid string). If empty, backfills all active businesses.")
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD). Defaults to the earliest sale row of the business.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Defaults to today in business timezone.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	// Ensure schema is up-to-date (creates daily_sales_summaries if missing).
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	settings := config.LoadSyncSettings()
	ids, err := models.ListActiveBusinessIds(ctx, db, *businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list businesses: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "no businesses found to backfill")
		return
	}

	failed := 0
	for _, bid := range ids {
		bctx := utils.SetBusinessIdInContext(ctx, bid)
		business, err := models.GetBusiness(bctx, db, bid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "business %s: %v\n", bid, err)
			failed++
			continue
		}

		start := strings.TrimSpace(*from)
		if start == "" {
			var first sql.NullString
			if err := db.WithContext(bctx).Model(&models.SaleRow{}).
				Where("business_id = ?", bid).
				Select("MIN(sale_date)").
				Row().Scan(&first); err != nil {
				fmt.Fprintf(os.Stderr, "business %s: failed to find first sale date: %v\n", bid, err)
				failed++
				continue
			}
			if !first.Valid || first.String == "" {
				fmt.Printf("business=%s has no sale rows; skipping\n", bid)
				continue
			}
			start = first.String
		}

		end := strings.TrimSpace(*to)
		if end == "" {
			end = utils.FormatDay(utils.ConvertToDate(time.Now(), business.Location(settings.DefaultTimezone)))
		}

		fmt.Printf("Backfilling daily_sales_summaries business=%s from=%s to=%s\n", bid, start, end)
		stats, err := salesledger.RebuildDailySummaries(bctx, db, bid, start, end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "business %s backfill failed: %v\n", bid, err)
			failed++
			continue
		}
		fmt.Printf("business=%s recomputed=%d removed=%d\n", bid, stats.Recomputed, stats.Removed)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
