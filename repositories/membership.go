package repositories

import (
	"context"
	stderrors "errors"
	"server-hub/domain"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

const (
	memberPrefix   = "member/"
	memberOfPrefix = "memberof/"
)

type IMembershipRepository interface {
	Join(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error)
	Leave(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error)
	IsMember(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error)
	Members(ctx context.Context, scope domain.TenantScope) ([]domain.Member, error)
	ScopesOf(ctx context.Context, identity domain.Identity) ([]domain.TenantScope, error)
}

// MembershipRepository stores scope membership both ways:
//
//	member/{scope}/{identity}    joined at (unix seconds)
//	memberof/{identity}/{scope}  empty
type MembershipRepository struct {
	db  *badger.DB
	now func() time.Time
}

func NewMembershipRepository(db *badger.DB) *MembershipRepository {
	return &MembershipRepository{db: db, now: time.Now}
}

// Join returns false when the identity was already a member.
func (m *MembershipRepository) Join(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error) {
	if err := validatePair(scope, identity); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	joined := false
	err := m.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(scope, identity))
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		joined = true
		if err = txn.Set(memberKey(scope, identity), encodeUint64(uint64(m.now().Unix()))); err != nil {
			return err
		}
		return txn.Set(memberOfKey(identity, scope), nil)
	})
	if err != nil {
		return false, unavailable(err)
	}
	return joined, nil
}

// Leave returns false when the identity was not a member.
func (m *MembershipRepository) Leave(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	left := false
	err := m.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(scope, identity))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		left = true
		if err = txn.Delete(memberKey(scope, identity)); err != nil {
			return err
		}
		return txn.Delete(memberOfKey(identity, scope))
	})
	if err != nil {
		return false, unavailable(err)
	}
	return left, nil
}

func (m *MembershipRepository) IsMember(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(scope, identity))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, unavailable(err)
	}
	return found, nil
}

func (m *MembershipRepository) Members(ctx context.Context, scope domain.TenantScope) ([]domain.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var members []domain.Member
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(memberPrefix + string(scope) + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			members = append(members, domain.Member{
				Scope:    scope,
				Identity: domain.Identity(item.Key()[len(prefix):]),
				JoinedAt: time.Unix(int64(decodeUint64(val)), 0).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

func (m *MembershipRepository) ScopesOf(ctx context.Context, identity domain.Identity) ([]domain.TenantScope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(memberOfPrefix + string(identity) + "/")
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return lo.Map(keys, func(k string, _ int) domain.TenantScope { return domain.TenantScope(k) }), nil
}

func validatePair(scope domain.TenantScope, identity domain.Identity) error {
	if err := domain.ValidateIdentifier(string(scope)); err != nil {
		return err
	}
	return domain.ValidateIdentifier(string(identity))
}

func memberKey(scope domain.TenantScope, identity domain.Identity) []byte {
	return []byte(memberPrefix + string(scope) + "/" + string(identity))
}

func memberOfKey(identity domain.Identity, scope domain.TenantScope) []byte {
	return []byte(memberOfPrefix + string(identity) + "/" + string(scope))
}
