//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	stderrors "errors"
	"server-hub/errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const userPrefix = "user/"

type IUserRepository interface {
	CreateUser(email, hashedPassword string, roles []string) (string, error)
	GetUserByEmail(email string) (User, error)
}

type UserRepository struct {
	db *badger.DB
}

func NewUserRepository(db *badger.DB) IUserRepository {
	return &UserRepository{db: db}
}

// User is an account of Server Hub. Its ID is the Identity carried by tokens.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
}

// CreateUser persists the user and returns the newly generated ID.
// Emails are case-insensitive.
func (u UserRepository) CreateUser(email, hashedPassword string, roles []string) (string, error) {
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	user := User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(email),
		PasswordHash: hashedPassword,
		Roles:        roles,
		CreatedAt:    time.Now().UTC(),
	}

	err := u.db.Update(func(txn *badger.Txn) error {
		key := userKey(user.Email)
		if _, err := txn.Get(key); err == nil {
			return errors.ErrUserAlreadyExists
		}
		return txn.Set(key, marshalUser(user))
	})
	if stderrors.Is(err, errors.ErrUserAlreadyExists) {
		return "", err
	}
	if err != nil {
		return "", unavailable(err)
	}
	return user.ID, nil
}

// GetUserByEmail returns ErrInvalidCredentials for unknown emails so callers
// cannot tell missing accounts from wrong passwords.
func (u UserRepository) GetUserByEmail(email string) (User, error) {
	var user User
	err := u.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(strings.ToLower(email)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			user, err = unmarshalUser(val)
			return err
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return User{}, errors.ErrInvalidCredentials
	}
	if err != nil {
		return User{}, unavailable(err)
	}
	return user, nil
}

func userKey(email string) []byte {
	return []byte(userPrefix + email)
}
