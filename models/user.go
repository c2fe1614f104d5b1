package models

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/utils"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleAdmin  UserRole = "A"
	UserRoleOwner  UserRole = "O"
	UserRoleCustom UserRole = "C"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;index" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	Role       UserRole  `gorm:"size:1;not null;default:C" json:"role"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	BusinessId string   `json:"business_id"`
	Username   string   `json:"username" binding:"required"`
	Name       string   `json:"name" binding:"required"`
	Password   string   `json:"password" binding:"required"`
	Role       UserRole `json:"role"`
}

type LoginInfo struct {
	Token      string   `json:"token"`
	Name       string   `json:"name"`
	Role       UserRole `json:"role"`
	BusinessId string   `json:"business_id"`
}

var ErrInvalidCredentials = errors.New("invalid username or password")

/*
caches:
	User:$username
	Token:$token -> username
*/

func userCacheKey(username string) string {
	return "User:" + username
}

func (u User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}

func (u User) RemoveInstanceRedis(ctx context.Context) error {
	return config.RemoveRedisKey(ctx, userCacheKey(u.Username))
}

// FindUserByUsername reads the user from cache first, then the database.
// Tenant scoping is skipped: usernames are global.
func FindUserByUsername(ctx context.Context, db *gorm.DB, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject(ctx, userCacheKey(username), &user)
	if err != nil {
		config.GetLogger().WithField("username", username).Warnf("user cache read failed: %v", err)
	}
	if exists {
		return &user, nil
	}
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	_ = config.SetRedisObject(ctx, userCacheKey(username), &user, time.Hour)
	return &user, nil
}

func CreateUser(ctx context.Context, db *gorm.DB, input NewUser) (*User, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || input.Password == "" {
		return nil, errors.New("username and password are required")
	}
	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	role := input.Role
	if role == "" {
		role = UserRoleCustom
	}
	active := true
	user := User{
		BusinessId: strings.TrimSpace(input.BusinessId),
		Username:   username,
		Name:       strings.TrimSpace(input.Name),
		Password:   string(hashed),
		IsActive:   &active,
		Role:       role,
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Login checks credentials and opens a session token stored in redis.
func Login(ctx context.Context, db *gorm.DB, username string, password string) (*LoginInfo, error) {
	user, err := FindUserByUsername(ctx, db, username)
	if err != nil {
		return nil, err
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.IsActive == nil || !*user.IsActive {
		return nil, errors.New("user is disabled")
	}

	lifespan, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 24
	}
	token := uuid.NewString()
	if err := config.SetRedisValue(ctx, "Token:"+token, user.Username, time.Duration(lifespan)*time.Hour); err != nil {
		return nil, err
	}
	return &LoginInfo{
		Token:      token,
		Name:       user.Name,
		Role:       user.Role,
		BusinessId: user.BusinessId,
	}, nil
}

func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("no session")
	}
	if err := config.RemoveRedisKey(ctx, "Token:"+token); err != nil {
		return false, err
	}
	return true, nil
}
