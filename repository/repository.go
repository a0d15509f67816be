package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"voting-aggregator/checkpoint"
	"voting-aggregator/db"
	"voting-aggregator/models"
	"voting-aggregator/period"
)

const (
	sourcePrefix  = "source:"
	historyPrefix = "history:"
	periodsKey    = "forwarding:periods"
	heightKey     = "meta:height"
)

// Repository abstracts the storage layer from the voting logic.
type Repository interface {
	PutSource(src *models.PowerSource, weight *checkpoint.Update) error
	GetSource(id uint64) (*models.PowerSource, error)
	GetAllSources() ([]*models.PowerSource, error)
	PutCheckpoints(updates ...checkpoint.Update) error
	GetHistory(subject string) ([]checkpoint.Checkpoint, error)
	GetHistories(prefix string) (map[string][]checkpoint.Checkpoint, error)
	PutForwardingPeriods(periods []period.Period) error
	GetForwardingPeriods() ([]period.Period, error)
	PutHeight(height uint64) error
	GetHeight() (uint64, error)
}

// KVRepository implements Repository on any db.KVStore engine.
type KVRepository struct {
	db db.KVStore
}

var _ Repository = (*KVRepository)(nil)

func NewKVRepository(store db.KVStore) *KVRepository {
	return &KVRepository{db: store}
}

func sourceKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%08d", sourcePrefix, id))
}

// history keys sort by checkpoint index within a subject
func historyKey(subject string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", historyPrefix, subject, index))
}

func putUpdates(batch db.Batch, updates ...checkpoint.Update) error {
	for _, u := range updates {
		data, err := checkpoint.Encode(u.Checkpoint)
		if err != nil {
			return fmt.Errorf("encode %s[%d]: %w", u.Subject, u.Index, err)
		}
		batch.Put(historyKey(u.Subject, u.Index), data)
	}
	return nil
}

// PutSource stores a power source record together with its weight checkpoint
func (r *KVRepository) PutSource(src *models.PowerSource, weight *checkpoint.Update) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}

	batch := r.db.NewBatch()
	batch.Put(sourceKey(src.ID), data)
	if weight != nil {
		if err := putUpdates(batch, *weight); err != nil {
			return err
		}
	}
	return batch.Commit()
}

func (r *KVRepository) GetSource(id uint64) (*models.PowerSource, error) {
	data, err := r.db.Get(sourceKey(id))
	if err != nil {
		return nil, err
	}
	var src models.PowerSource
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, err
	}
	return &src, nil
}

// GetAllSources returns every stored power source in id order
func (r *KVRepository) GetAllSources() ([]*models.PowerSource, error) {
	iter := r.db.NewPrefixIterator([]byte(sourcePrefix))
	defer iter.Release()

	var sources []*models.PowerSource
	for iter.Next() {
		var src models.PowerSource
		if err := json.Unmarshal(iter.Value(), &src); err != nil {
			return nil, err
		}
		sources = append(sources, &src)
	}
	return sources, iter.Error()
}

// PutCheckpoints writes every update in a single batch
func (r *KVRepository) PutCheckpoints(updates ...checkpoint.Update) error {
	batch := r.db.NewBatch()
	if err := putUpdates(batch, updates...); err != nil {
		return err
	}
	return batch.Commit()
}

func (r *KVRepository) GetHistory(subject string) ([]checkpoint.Checkpoint, error) {
	histories, err := r.GetHistories(subject + ":")
	if err != nil {
		return nil, err
	}
	return histories[subject], nil
}

// GetHistories loads every history whose subject starts with prefix, keyed
// by subject.
func (r *KVRepository) GetHistories(prefix string) (map[string][]checkpoint.Checkpoint, error) {
	iter := r.db.NewPrefixIterator([]byte(historyPrefix + prefix))
	defer iter.Release()

	histories := make(map[string][]checkpoint.Checkpoint)
	for iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), historyPrefix)
		sep := strings.LastIndexByte(key, ':')
		if sep < 0 {
			return nil, fmt.Errorf("malformed history key %q", key)
		}
		subject := key[:sep]
		index, err := strconv.ParseUint(key[sep+1:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed history key %q: %w", key, err)
		}
		if index != uint64(len(histories[subject])) {
			return nil, fmt.Errorf("history %s: gap at index %d", subject, index)
		}

		cp, err := checkpoint.Decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("history %s[%d]: %w", subject, index, err)
		}
		histories[subject] = append(histories[subject], cp)
	}
	return histories, iter.Error()
}

func (r *KVRepository) PutForwardingPeriods(periods []period.Period) error {
	data, err := json.Marshal(periods)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(periodsKey), data)
}

// GetForwardingPeriods returns nil when nothing has been stored yet
func (r *KVRepository) GetForwardingPeriods() ([]period.Period, error) {
	data, err := r.db.Get([]byte(periodsKey))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var periods []period.Period
	if err := json.Unmarshal(data, &periods); err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *KVRepository) PutHeight(height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return r.db.Put([]byte(heightKey), buf)
}

// GetHeight returns zero when no height has been stored yet
func (r *KVRepository) GetHeight() (uint64, error) {
	data, err := r.db.Get([]byte(heightKey))
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("malformed height record of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
