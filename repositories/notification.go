package repositories

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/lanes"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	notificationPrefix = "notif/"
	archivePrefix      = "archive/"
	sequencePrefix     = "seq/"
	ackPrefix          = "ack/"
	archiveBatchSize   = 500
)

type INotificationRepository interface {
	Append(ctx context.Context, n domain.NewNotification) (domain.NotificationRecord, error)
	Get(ctx context.Context, recipient domain.Identity, seq uint64) (domain.NotificationRecord, error)
	ListPending(ctx context.Context, recipient domain.Identity, afterSeq uint64, limit int) ([]domain.NotificationRecord, error)
	ListUnread(ctx context.Context, recipient domain.Identity, limit int) ([]domain.NotificationRecord, error)
	MarkRead(ctx context.Context, recipient domain.Identity, seq uint64) error
	MarkDelivered(ctx context.Context, recipient domain.Identity, seq uint64) error
	Acknowledge(ctx context.Context, recipient domain.Identity, seq uint64) error
	AckWatermark(ctx context.Context, recipient domain.Identity) (uint64, error)
	LastSeq(ctx context.Context, recipient domain.Identity) (uint64, error)
	Archive(ctx context.Context, olderThan time.Time) (int, error)
}

// NotificationRepository keeps notification records in BadgerDB.
//
// Keys:
//
//	notif/{recipient}/{seq:020d}    live record
//	archive/{recipient}/{seq:020d}  record past the retention window
//	seq/{recipient}                 last assigned sequence (uint64, big endian)
//	ack/{recipient}                 end of the contiguous acknowledged run
//
// The zero padded sequence keeps a prefix scan in ascending order.
type NotificationRepository struct {
	db       *badger.DB
	log      *slog.Logger
	lanes    *lanes.Lanes
	pageSize int
	now      func() time.Time
}

func NewNotificationRepository(db *badger.DB, log *slog.Logger, pageSize int) *NotificationRepository {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &NotificationRepository{
		db:       db,
		log:      log,
		lanes:    lanes.New(lanes.DefaultStripes),
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Append stores a new record with the next sequence of its recipient.
// The recipient lane plus the Badger transaction make the counter
// increment and the record write a single atomic step.
func (r *NotificationRepository) Append(ctx context.Context, n domain.NewNotification) (domain.NotificationRecord, error) {
	if err := n.Validate(); err != nil {
		return domain.NotificationRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.NotificationRecord{}, err
	}

	unlock := r.lanes.Lock(string(n.Recipient))
	defer unlock()

	var record domain.NotificationRecord
	err := r.db.Update(func(txn *badger.Txn) error {
		last, err := readUint64(txn, sequenceKey(n.Recipient))
		if err != nil {
			return err
		}
		record = domain.NotificationRecord{
			Seq:       last + 1,
			Recipient: n.Recipient,
			Scope:     n.Scope,
			Heading:   n.Heading,
			Message:   n.Message,
			Link:      n.Link,
			CreatedAt: r.now().UTC(),
			State:     domain.StatePending,
		}
		if err = txn.Set(sequenceKey(n.Recipient), encodeUint64(record.Seq)); err != nil {
			return err
		}
		return txn.Set(recordKey(notificationPrefix, n.Recipient, record.Seq), marshalRecord(record))
	})
	if err != nil {
		return domain.NotificationRecord{}, unavailable(err)
	}
	r.log.Debug("Notification appended", "recipient", record.Recipient, "seq", record.Seq)
	return record, nil
}

func (r *NotificationRepository) Get(ctx context.Context, recipient domain.Identity, seq uint64) (domain.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.NotificationRecord{}, err
	}
	var record domain.NotificationRecord
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, recordKey(notificationPrefix, recipient, seq))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			record, err = getRecord(txn, recordKey(archivePrefix, recipient, seq))
		}
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.NotificationRecord{}, errors.ErrNotificationNotFound
	}
	if err != nil {
		return domain.NotificationRecord{}, unavailable(err)
	}
	return record, nil
}

// ListPending returns the records of recipient with a sequence strictly
// greater than afterSeq, ascending, at most limit of them (page size when
// limit <= 0 or above it). Calling it twice with the same afterSeq is safe.
func (r *NotificationRepository) ListPending(ctx context.Context, recipient domain.Identity,
	afterSeq uint64, limit int) ([]domain.NotificationRecord, error) {
	limit = r.clampLimit(limit)
	return r.scan(ctx, recipient, afterSeq, func(rec domain.NotificationRecord) bool { return true }, limit)
}

// ListUnread returns the oldest unread records of recipient.
func (r *NotificationRepository) ListUnread(ctx context.Context, recipient domain.Identity,
	limit int) ([]domain.NotificationRecord, error) {
	limit = r.clampLimit(limit)
	return r.scan(ctx, recipient, 0, func(rec domain.NotificationRecord) bool { return !rec.Read }, limit)
}

// MarkRead sets the read flag. Marking twice is a no-op; an archived record
// is already read.
func (r *NotificationRepository) MarkRead(ctx context.Context, recipient domain.Identity, seq uint64) error {
	return r.mutate(ctx, recipient, seq, func(rec *domain.NotificationRecord) bool {
		if rec.Read {
			return false
		}
		rec.Read = true
		return true
	})
}

func (r *NotificationRepository) MarkDelivered(ctx context.Context, recipient domain.Identity, seq uint64) error {
	return r.mutate(ctx, recipient, seq, func(rec *domain.NotificationRecord) bool {
		next := rec.State.Advance(domain.StateDelivered)
		if next == rec.State {
			return false
		}
		rec.State = next
		return true
	})
}

// Acknowledge records that a connection of recipient received everything up
// to seq. Delivered records up to seq become acknowledged; records that were
// never pushed stay pending.
//
// The watermark only covers a contiguous run of acknowledged records: it
// stops below the first record that is still pending, so a later replay from
// the watermark still reaches it. Archived records count as acknowledged.
func (r *NotificationRepository) Acknowledge(ctx context.Context, recipient domain.Identity, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := r.lanes.Lock(string(recipient))
	defer unlock()

	err := r.db.Update(func(txn *badger.Txn) error {
		watermark, err := readUint64(txn, ackKey(recipient))
		if err != nil {
			return err
		}
		if seq <= watermark {
			return nil
		}
		last, err := readUint64(txn, sequenceKey(recipient))
		if err != nil {
			return err
		}
		seq = min(seq, last)

		states := make(map[uint64]domain.DeliveryState)
		for s := watermark + 1; s <= seq; s++ {
			key := recordKey(notificationPrefix, recipient, s)
			rec, err := getRecord(txn, key)
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.State == domain.StateDelivered {
				rec.State = domain.StateAcknowledged
				if err = txn.Set(key, marshalRecord(rec)); err != nil {
					return err
				}
			}
			states[s] = rec.State
		}

		next := watermark
		for s := watermark + 1; s <= last; s++ {
			state, seen := states[s]
			if !seen {
				rec, err := getRecord(txn, recordKey(notificationPrefix, recipient, s))
				switch {
				case stderrors.Is(err, badger.ErrKeyNotFound):
					state = domain.StateAcknowledged
				case err != nil:
					return err
				default:
					state = rec.State
				}
			}
			if state != domain.StateAcknowledged {
				break
			}
			next = s
		}
		if next == watermark {
			return nil
		}
		return txn.Set(ackKey(recipient), encodeUint64(next))
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// LastSeq returns the highest sequence assigned to recipient, 0 when none.
func (r *NotificationRepository) LastSeq(ctx context.Context, recipient domain.Identity) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var last uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readUint64(txn, sequenceKey(recipient))
		return err
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return last, nil
}

func (r *NotificationRepository) AckWatermark(ctx context.Context, recipient domain.Identity) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var watermark uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		watermark, err = readUint64(txn, ackKey(recipient))
		return err
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return watermark, nil
}

// Archive moves read and acknowledged records created before olderThan to
// the archive keyspace. Sequence counters are untouched, so numbering keeps
// growing without gaps.
func (r *NotificationRepository) Archive(ctx context.Context, olderThan time.Time) (int, error) {
	var candidates []domain.NotificationRecord
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(notificationPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec domain.NotificationRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = unmarshalRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if rec.Read && rec.State == domain.StateAcknowledged && rec.CreatedAt.Before(olderThan) {
				candidates = append(candidates, rec)
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}

	archived := 0
	for start := 0; start < len(candidates); start += archiveBatchSize {
		end := min(start+archiveBatchSize, len(candidates))
		batch := candidates[start:end]
		err = r.db.Update(func(txn *badger.Txn) error {
			for _, rec := range batch {
				if err := txn.Delete(recordKey(notificationPrefix, rec.Recipient, rec.Seq)); err != nil {
					return err
				}
				if err := txn.Set(recordKey(archivePrefix, rec.Recipient, rec.Seq), marshalRecord(rec)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return archived, unavailable(err)
		}
		archived += len(batch)
	}
	return archived, nil
}

func (r *NotificationRepository) clampLimit(limit int) int {
	if limit <= 0 || limit > r.pageSize {
		return r.pageSize
	}
	return limit
}

func (r *NotificationRepository) scan(ctx context.Context, recipient domain.Identity, afterSeq uint64,
	keep func(domain.NotificationRecord) bool, limit int) ([]domain.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []domain.NotificationRecord
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := recipientPrefix(notificationPrefix, recipient)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(recordKey(notificationPrefix, recipient, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			if len(records) == limit {
				break
			}
			var rec domain.NotificationRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = unmarshalRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if keep(rec) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

func (r *NotificationRepository) mutate(ctx context.Context, recipient domain.Identity, seq uint64,
	apply func(*domain.NotificationRecord) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := r.lanes.Lock(string(recipient))
	defer unlock()

	err := r.db.Update(func(txn *badger.Txn) error {
		key := recordKey(notificationPrefix, recipient, seq)
		rec, err := getRecord(txn, key)
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			if _, archErr := txn.Get(recordKey(archivePrefix, recipient, seq)); archErr == nil {
				return nil
			}
			return errors.ErrNotificationNotFound
		}
		if err != nil {
			return err
		}
		if !apply(&rec) {
			return nil
		}
		return txn.Set(key, marshalRecord(rec))
	})
	if stderrors.Is(err, errors.ErrNotificationNotFound) {
		return err
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func getRecord(txn *badger.Txn, key []byte) (domain.NotificationRecord, error) {
	item, err := txn.Get(key)
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	var rec domain.NotificationRecord
	err = item.Value(func(val []byte) error {
		rec, err = unmarshalRecord(val)
		return err
	})
	return rec, err
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return decodeUint64(val), nil
}

func recipientPrefix(space string, recipient domain.Identity) []byte {
	return []byte(space + string(recipient) + "/")
}

func recordKey(space string, recipient domain.Identity, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", space, recipient, seq))
}

func sequenceKey(recipient domain.Identity) []byte {
	return []byte(sequencePrefix + string(recipient))
}

func ackKey(recipient domain.Identity) []byte {
	return []byte(ackPrefix + string(recipient))
}

// ParseRecordKey splits a record key back into its recipient and sequence.
func ParseRecordKey(key []byte) (domain.Identity, uint64, bool) {
	for _, space := range []string{notificationPrefix, archivePrefix} {
		if !bytes.HasPrefix(key, []byte(space)) {
			continue
		}
		rest := key[len(space):]
		idx := bytes.LastIndexByte(rest, '/')
		if idx < 0 {
			return "", 0, false
		}
		var seq uint64
		if _, err := fmt.Sscanf(string(rest[idx+1:]), "%d", &seq); err != nil {
			return "", 0, false
		}
		return domain.Identity(rest[:idx]), seq, true
	}
	return "", 0, false
}

// DecodeRecord exposes the value codec to inspection tools.
func DecodeRecord(val []byte) (domain.NotificationRecord, error) {
	return unmarshalRecord(val)
}

func unavailable(err error) error {
	if stderrors.Is(err, errors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
}
