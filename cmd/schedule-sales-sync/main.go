package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/possync"
	"github.com/mmdatafocus/pos_ledger/utils"
)

// Queues one system-triggered incremental run per connected provider and
// publishes it to the sync workers. Meant for a cron job (Cloud Scheduler).
// Connections that already have a queued or running run are skipped.
func main() {
	provider := flag.String("provider", "", "Optional: only schedule this provider (pitix, toast, square).")
	businessID := flag.String("business-id", "", "Optional: only schedule one business (uuid string).")
	dryRun := flag.Bool("dry-run", false, "List what would be queued without writing.")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	logger := config.GetLogger()

	// The scheduler spans tenants.
	sctx := utils.SetSkipTenantScopeInContext(ctx, true)
	q := db.WithContext(sctx).Where("status = ?", models.IntegrationStatusConnected)
	if *provider != "" {
		q = q.Where("provider = ?", *provider)
	}
	if *businessID != "" {
		q = q.Where("business_id = ?", *businessID)
	}
	var conns []models.IntegrationConnection
	if err := q.Order("id").Find(&conns).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list connections: %v\n", err)
		os.Exit(1)
	}

	publisher := possync.PubSubPublisher{}
	queued, skipped, failed := 0, 0, 0
	for _, conn := range conns {
		if !config.ProviderEnabled(conn.Provider) {
			skipped++
			continue
		}
		bctx := utils.SetBusinessIdInContext(ctx, conn.BusinessId)

		var pending int64
		if err := db.WithContext(bctx).Model(&models.IntegrationSyncRun{}).
			Where("business_id = ? AND connection_id = ? AND status IN ?", conn.BusinessId, conn.ID,
				[]string{models.SyncRunStatusQueued, models.SyncRunStatusRunning}).
			Count(&pending).Error; err != nil {
			config.LogError(logger, "schedule-sales-sync", "main", "count pending runs", conn.ID, err)
			failed++
			continue
		}
		if pending > 0 {
			skipped++
			continue
		}
		if *dryRun {
			fmt.Printf("would queue business=%s provider=%s connection=%d\n", conn.BusinessId, conn.Provider, conn.ID)
			continue
		}

		run := models.IntegrationSyncRun{
			BusinessId:   conn.BusinessId,
			ConnectionId: conn.ID,
			Provider:     conn.Provider,
			Kind:         models.SyncKindIncremental,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredSystem,
		}
		if err := db.WithContext(bctx).Create(&run).Error; err != nil {
			config.LogError(logger, "schedule-sales-sync", "main", "create run", conn.ID, err)
			failed++
			continue
		}
		if err := publisher.PublishSyncRun(bctx, possync.SyncPubSubPayload{
			RunId:        run.ID,
			BusinessId:   run.BusinessId,
			ConnectionId: run.ConnectionId,
		}); err != nil {
			config.LogError(logger, "schedule-sales-sync", "main", "publish run", run.ID, err)
			failed++
			continue
		}
		queued++
	}

	config.ClosePubSub()
	fmt.Printf("connections=%d queued=%d skipped=%d failed=%d\n", len(conns), queued, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
