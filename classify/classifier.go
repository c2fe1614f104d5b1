// Package classify assigns reporting categories to sale rows from per-business
// keyword rules.
package classify

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const rulesCacheTTL = 5 * time.Minute

// classifiable lists the row kinds that carry a product category.
var classifiable = []models.ItemType{models.ItemTypeSale, models.ItemTypeVoid, models.ItemTypeDiscount}

type RuleClassifier struct {
	Logger *logrus.Logger
}

func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{Logger: config.GetLogger()}
}

func rulesCacheKey(businessId string) string {
	return "CategoryRules:" + businessId
}

// InvalidateRules drops the cached rules of a business after they change and
// clears the attempt stamps so rows no old rule matched are scanned again.
func InvalidateRules(ctx context.Context, db *gorm.DB, businessId string) error {
	if err := config.RemoveRedisKey(ctx, rulesCacheKey(businessId)); err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&models.SaleRow{}).
		Where("business_id = ? AND classification_state = ? AND classification_attempted_at IS NOT NULL",
			businessId, models.ClassificationUnclassified).
		Update("classification_attempted_at", nil).Error
}

func pendingScope(db *gorm.DB, businessId string) *gorm.DB {
	return db.Where("business_id = ? AND classification_state = ? AND is_split = ? AND parent_id IS NULL AND item_type IN ?",
		businessId, models.ClassificationUnclassified, false, classifiable)
}

// CountUnattempted counts unclassified rows no batch has looked at yet.
func CountUnattempted(ctx context.Context, db *gorm.DB, businessId string) (int64, error) {
	var n int64
	err := pendingScope(db.WithContext(ctx).Model(&models.SaleRow{}), businessId).
		Where("classification_attempted_at IS NULL").
		Count(&n).Error
	return n, err
}

func markAttempted(ctx context.Context, tx *gorm.DB, businessId string, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.SaleRow{}).
		Where("business_id = ? AND id IN ?", businessId, ids).
		Update("classification_attempted_at", time.Now().UTC()).Error
}

func (c *RuleClassifier) rules(ctx context.Context, tx *gorm.DB, businessId string) ([]models.CategoryRule, error) {
	var rules []models.CategoryRule
	exists, err := config.GetRedisObject(ctx, rulesCacheKey(businessId), &rules)
	if err == nil && exists {
		return rules, nil
	}
	if err := tx.WithContext(ctx).Where("business_id = ?", businessId).
		Order("priority, id").Find(&rules).Error; err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(ctx, rulesCacheKey(businessId), rules, rulesCacheTTL); err != nil {
		c.logger().WithField("business_id", businessId).Warnf("cache category rules: %v", err)
	}
	return rules, nil
}

// match returns the category of the first rule whose keyword occurs in the
// row name (or category label, for label rules). Case-insensitive.
func match(rules []models.CategoryRule, row models.SaleRow) (uint, bool) {
	name := strings.ToLower(row.Name)
	label := strings.ToLower(row.CategoryLabel)
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" {
			continue
		}
		target := name
		if r.MatchLabel {
			target = label
		}
		if strings.Contains(target, kw) {
			return r.CategoryId, true
		}
	}
	return 0, false
}

func isClassifiable(t models.ItemType) bool {
	for _, c := range classifiable {
		if c == t {
			return true
		}
	}
	return false
}

func (c *RuleClassifier) ClassifyRow(ctx context.Context, tx *gorm.DB, row *models.SaleRow) (bool, error) {
	if row == nil || row.ID == 0 || !isClassifiable(row.ItemType) {
		return false, nil
	}
	rules, err := c.rules(ctx, tx, row.BusinessId)
	if err != nil {
		return false, err
	}
	categoryId, ok := match(rules, *row)
	if !ok {
		return false, markAttempted(ctx, tx, row.BusinessId, []uint{row.ID})
	}
	if err := tx.WithContext(ctx).Model(&models.SaleRow{}).
		Where("business_id = ? AND id = ? AND classification_state = ?", row.BusinessId, row.ID, models.ClassificationUnclassified).
		Updates(map[string]interface{}{
			"category_id":          categoryId,
			"classification_state": models.ClassificationClassified,
		}).Error; err != nil {
		return false, err
	}
	row.CategoryId = &categoryId
	row.ClassificationState = models.ClassificationClassified
	return true, nil
}

// ClassifyBatch classifies up to maxRows unclassified rows. Rows never
// attempted come first, then the ones attempted longest ago. Scanned rows no
// rule matches stay unclassified but get stamped, so the next batch moves on
// to newer rows. Safe to rerun.
func (c *RuleClassifier) ClassifyBatch(ctx context.Context, tx *gorm.DB, businessId string, maxRows int) (int, error) {
	rules, err := c.rules(ctx, tx, businessId)
	if err != nil || len(rules) == 0 {
		return 0, err
	}

	q := pendingScope(tx.WithContext(ctx), businessId).
		Select("id, business_id, name, category_label, item_type, classification_attempted_at").
		Order("classification_attempted_at IS NOT NULL, classification_attempted_at, id")
	if maxRows > 0 {
		q = q.Limit(maxRows)
	}
	var rows []models.SaleRow
	if err := q.Find(&rows).Error; err != nil {
		return 0, err
	}

	byCategory := map[uint][]uint{}
	var unmatched []uint
	for _, r := range rows {
		if categoryId, ok := match(rules, r); ok {
			byCategory[categoryId] = append(byCategory[categoryId], r.ID)
		} else {
			unmatched = append(unmatched, r.ID)
		}
	}
	if err := markAttempted(ctx, tx, businessId, unmatched); err != nil {
		return 0, err
	}

	categories := make([]uint, 0, len(byCategory))
	for k := range byCategory {
		categories = append(categories, k)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	total := 0
	for _, categoryId := range categories {
		ids := byCategory[categoryId]
		if err := tx.WithContext(ctx).Model(&models.SaleRow{}).
			Where("business_id = ? AND id IN ?", businessId, ids).
			Updates(map[string]interface{}{
				"category_id":          categoryId,
				"classification_state": models.ClassificationClassified,
			}).Error; err != nil {
			return total, err
		}
		total += len(ids)
	}

	c.logger().WithFields(logrus.Fields{
		"business_id": businessId,
		"scanned":     len(rows),
		"classified":  total,
		"unmatched":   len(unmatched),
	}).Info("classification batch finished")
	return total, nil
}

func (c *RuleClassifier) logger() *logrus.Logger {
	if c.Logger == nil {
		return config.GetLogger()
	}
	return c.Logger
}
