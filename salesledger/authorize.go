package salesledger

import (
	"context"
	"errors"

	"github.com/mmdatafocus/pos_ledger/models"
	"gorm.io/gorm"
)

// Authorizer decides whether a caller may sync a business.
type Authorizer interface {
	IsAuthorized(ctx context.Context, businessId string, caller string) (bool, error)
}

// UserAuthorizer grants access to admins and to users of the business.
type UserAuthorizer struct {
	DB *gorm.DB
}

func (a UserAuthorizer) IsAuthorized(ctx context.Context, businessId string, caller string) (bool, error) {
	user, err := models.FindUserByUsername(ctx, a.DB, caller)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredentials) {
			return false, nil
		}
		return false, err
	}
	if user.IsActive == nil || !*user.IsActive {
		return false, nil
	}
	if user.IsAdmin() {
		return true, nil
	}
	return user.BusinessId == businessId, nil
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, businessId string, caller string) (bool, error)

func (f AuthorizerFunc) IsAuthorized(ctx context.Context, businessId string, caller string) (bool, error) {
	return f(ctx, businessId, caller)
}
