// seed-admin creates or updates the admin console user. Admin users (role 'A')
// may read and sync the ledger of any business by passing business_id.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//	go run ./cmd/seed-admin -business "Demo Shop" -timezone Asia/Yangon
//
// -business creates a business and an owner user for it as well, which is
// handy for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"gorm.io/gorm"
)

const (
	adminUsername = "ledgerAdmin"
	adminName     = "Ledger Admin"
)

func main() {
	password := flag.String("password", os.Getenv("ADMIN_PASSWORD"), "Admin password (default $ADMIN_PASSWORD).")
	businessName := flag.String("business", "", "Optional: also create a business with this name and an owner user.")
	timezone := flag.String("timezone", "", "Timezone for -business (IANA name).")
	ownerUsername := flag.String("owner", "owner", "Owner username for -business.")
	flag.Parse()

	if strings.TrimSpace(*password) == "" {
		fmt.Fprintln(os.Stderr, "admin password is required (-password or ADMIN_PASSWORD)")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(ctx)
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if !config.EnvBool("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
			os.Exit(1)
		}
	}

	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	if err := upsertAdmin(ctx, db, *password); err != nil {
		fmt.Fprintf(os.Stderr, "admin user: %v\n", err)
		os.Exit(1)
	}

	if *businessName == "" {
		return
	}
	biz, err := models.CreateBusiness(ctx, db, models.NewBusiness{Name: *businessName, Timezone: *timezone})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create business: %v\n", err)
		os.Exit(1)
	}
	businessID := biz.ID.String()
	if _, err := models.CreateUser(utils.SetBusinessIdInContext(ctx, businessID), db, models.NewUser{
		BusinessId: businessID,
		Username:   *ownerUsername,
		Name:       *businessName + " Owner",
		Password:   *password,
		Role:       models.UserRoleOwner,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create owner user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created business %s (%s) with owner %q\n", businessID, biz.Name, *ownerUsername)
}

func upsertAdmin(ctx context.Context, db *gorm.DB, password string) error {
	var existing models.User
	err := db.WithContext(ctx).Where("username = ?", adminUsername).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, err := models.CreateUser(ctx, db, models.NewUser{
			Username: adminUsername,
			Name:     adminName,
			Password: password,
			Role:     models.UserRoleAdmin,
		}); err != nil {
			return err
		}
		fmt.Printf("Created admin user: username=%q\n", adminUsername)
		return nil
	}
	if err != nil {
		return err
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"password":  string(hashed),
		"name":      adminName,
		"is_active": utils.NewTrue(),
		"role":      models.UserRoleAdmin,
	}).Error; err != nil {
		return err
	}
	_ = existing.RemoveInstanceRedis(ctx)
	fmt.Printf("Updated admin user: username=%q\n", adminUsername)
	return nil
}
