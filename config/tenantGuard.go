package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mmdatafocus/pos_ledger/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

var ErrCrossTenantWrite = errors.New("tenant guard: row business_id does not match request business")

// TenantGuardPlugin enforces multi-tenant isolation:
//   - queries/updates/deletes on models with a business_id column are scoped
//     to the request's business_id when the statement doesn't already filter on it;
//   - creates are rejected when a row carries a different business_id.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Those must include business_id manually.
// - Admin/internal bypass is explicit via context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantScopeCallback); err != nil {
		return err
	}
	return db.Callback().Create().Before("gorm:create").Register("tenant_guard:create", tenantCreateCallback)
}

func tenantScopeCallback(db *gorm.DB) {
	businessID, field := guardTarget(db)
	if field == nil {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereHasBusinessID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: field.DBName},
				Value:  businessID,
			},
		},
	})
}

func tenantCreateCallback(db *gorm.DB) {
	businessID, field := guardTarget(db)
	if field == nil {
		return
	}
	ctx := db.Statement.Context
	rv := reflect.Indirect(db.Statement.ReflectValue)
	check := func(v reflect.Value) {
		val, zero := field.ValueOf(ctx, v)
		if zero {
			return
		}
		if s, ok := val.(string); ok && s != businessID {
			_ = db.AddError(fmt.Errorf("%w: %s != %s", ErrCrossTenantWrite, s, businessID))
		}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			check(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		check(rv)
	}
}

// guardTarget returns the request business and the model's business_id field,
// or a nil field when the guard doesn't apply to this statement.
func guardTarget(db *gorm.DB) (string, *schema.Field) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", nil
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return "", nil
	}
	businessID := businessIdFromContext(ctx)
	if businessID == "" {
		return "", nil
	}
	field := db.Statement.Schema.LookUpField("business_id")
	if field == nil {
		return "", nil
	}
	return businessID, field
}

func businessIdFromContext(ctx context.Context) string {
	v, _ := appctx.GetString(ctx, appctx.ContextKeyBusinessId)
	return v
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if skip, _ := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); skip {
		return true
	}
	admin, _ := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin)
	return admin
}

func whereHasBusinessID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasBusinessID(e) {
			return true
		}
	}
	return false
}

func exprHasBusinessID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsBusinessID(v.Column)
	case clause.Neq:
		return colIsBusinessID(v.Column)
	case clause.IN:
		return colIsBusinessID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasBusinessID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasBusinessID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	default:
		return false
	}
}

func colIsBusinessID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	default:
		return false
	}
}
