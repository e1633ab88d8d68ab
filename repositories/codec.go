package repositories

import (
	"encoding/binary"
	"fmt"
	"server-hub/domain"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Values are stored in protobuf wire format. Field numbers are part of the
// on-disk format: never reuse or renumber them.
const (
	fieldSeq       protowire.Number = 1
	fieldRecipient protowire.Number = 2
	fieldScope     protowire.Number = 3
	fieldHeading   protowire.Number = 4
	fieldMessage   protowire.Number = 5
	fieldLink      protowire.Number = 6
	fieldRead      protowire.Number = 7
	fieldCreatedAt protowire.Number = 8
	fieldState     protowire.Number = 9
)

const (
	fieldUserID        protowire.Number = 1
	fieldUserEmail     protowire.Number = 2
	fieldUserPassword  protowire.Number = 3
	fieldUserRoles     protowire.Number = 4
	fieldUserCreatedAt protowire.Number = 5
)

func marshalRecord(r domain.NotificationRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	b = appendString(b, fieldRecipient, string(r.Recipient))
	if r.Scope != nil {
		b = appendString(b, fieldScope, string(*r.Scope))
	}
	b = appendString(b, fieldHeading, r.Heading)
	b = appendString(b, fieldMessage, r.Message)
	if r.Link != nil {
		b = appendString(b, fieldLink, *r.Link)
	}
	b = protowire.AppendTag(b, fieldRead, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.Read))
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.CreatedAt.UnixNano()))
	b = appendString(b, fieldState, string(r.State))
	return b
}

func unmarshalRecord(b []byte) (domain.NotificationRecord, error) {
	var r domain.NotificationRecord
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSeq:
			v, n := consumeVarint(num, typ, b)
			r.Seq = v
			return n, nil
		case fieldRecipient:
			v, n := consumeString(num, typ, b)
			r.Recipient = domain.Identity(v)
			return n, nil
		case fieldScope:
			v, n := consumeString(num, typ, b)
			scope := domain.TenantScope(v)
			r.Scope = &scope
			return n, nil
		case fieldHeading:
			v, n := consumeString(num, typ, b)
			r.Heading = v
			return n, nil
		case fieldMessage:
			v, n := consumeString(num, typ, b)
			r.Message = v
			return n, nil
		case fieldLink:
			v, n := consumeString(num, typ, b)
			r.Link = &v
			return n, nil
		case fieldRead:
			v, n := consumeVarint(num, typ, b)
			r.Read = protowire.DecodeBool(v)
			return n, nil
		case fieldCreatedAt:
			v, n := consumeVarint(num, typ, b)
			r.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, nil
		case fieldState:
			v, n := consumeString(num, typ, b)
			r.State = domain.ToDeliveryState(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return r, err
}

func marshalUser(u User) []byte {
	var b []byte
	b = appendString(b, fieldUserID, u.ID)
	b = appendString(b, fieldUserEmail, u.Email)
	b = appendString(b, fieldUserPassword, u.PasswordHash)
	for _, role := range u.Roles {
		b = appendString(b, fieldUserRoles, role)
	}
	b = protowire.AppendTag(b, fieldUserCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.CreatedAt.Unix()))
	return b
}

func unmarshalUser(b []byte) (User, error) {
	var u User
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldUserID:
			v, n := consumeString(num, typ, b)
			u.ID = v
			return n, nil
		case fieldUserEmail:
			v, n := consumeString(num, typ, b)
			u.Email = v
			return n, nil
		case fieldUserPassword:
			v, n := consumeString(num, typ, b)
			u.PasswordHash = v
			return n, nil
		case fieldUserRoles:
			v, n := consumeString(num, typ, b)
			u.Roles = append(u.Roles, v)
			return n, nil
		case fieldUserCreatedAt:
			v, n := consumeVarint(num, typ, b)
			u.CreatedAt = time.Unix(int64(v), 0).UTC()
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return u, err
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// consumeFields walks every field of b. fn returns the number of bytes it
// consumed from the field value, or a negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, protowire.ConsumeFieldValue(num, typ, b)
	}
	return protowire.ConsumeVarint(b)
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int) {
	if typ != protowire.BytesType {
		return "", protowire.ConsumeFieldValue(num, typ, b)
	}
	return protowire.ConsumeString(b)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
