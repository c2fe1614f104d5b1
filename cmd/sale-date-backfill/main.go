package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/salesledger"
	"github.com/mmdatafocus/pos_ledger/utils"
)

// Moves sale rows booked under the old calendar-date rule onto the provider's
// business date (or the tenant-local close date) and recomputes every day
// that lost or gained rows. Rerunning changes nothing.
func main() {
	businessID := flag.String("business-id", "", "Optional: correct only one business (uuid string). If empty, corrects all active businesses.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	settings := config.LoadSyncSettings()
	ids, err := models.ListActiveBusinessIds(ctx, db, *businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list businesses: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, bid := range ids {
		bctx := utils.SetBusinessIdInContext(ctx, bid)
		stats, err := salesledger.RederiveSaleDates(bctx, db, bid, settings.DefaultTimezone)
		if err != nil {
			fmt.Fprintf(os.Stderr, "business %s: %v\n", bid, err)
			failed++
			continue
		}
		fmt.Printf("business=%s orders=%d rows_moved=%d days_touched=%d\n",
			bid, stats.OrdersScanned, stats.RowsMoved, stats.DaysTouched)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
