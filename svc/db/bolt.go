package db

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"pastebox/pkg/domain"
	"pastebox/pkg/expiry"
	"pastebox/svc/util"
)

var pastesBucket = []byte("pastes")

// Bolt is an embedded paste store. bbolt has no native expiry, so every read
// checks expiresAt and CleanupExpired does the physical removal.
type Bolt struct {
	db     *bolt.DB
	policy expiry.Policy
	now    func() time.Time
}

func NewBolt(path string, policy expiry.Policy) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pastesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &Bolt{db: db, policy: policy, now: time.Now}, nil
}

func decodePaste(v []byte) (*domain.Paste, error) {
	var p domain.Paste
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, errors.Wrap(err, "decode paste")
	}
	return &p, nil
}

func putPaste(b *bolt.Bucket, p *domain.Paste) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode paste")
	}
	return b.Put([]byte(p.ID), data)
}

// live loads id from b and hides it when expired.
func (s *Bolt) live(b *bolt.Bucket, id string, now time.Time) (*domain.Paste, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, domain.ErrPasteNotFound
	}
	p, err := decodePaste(v)
	if err != nil {
		return nil, err
	}
	if p.Expired(now) {
		return nil, domain.ErrPasteNotFound
	}
	return p, nil
}

func (s *Bolt) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	p, err := newRecord(params, s.policy, s.now())
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pastesBucket)
		id, err := util.GenID(func(id string) (bool, error) {
			return b.Get([]byte(id)) != nil, nil
		})
		if err != nil {
			return errors.Wrap(err, "gen id")
		}
		p.ID = id
		return putPaste(b, p)
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt create")
	}
	return p, nil
}

func (s *Bolt) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	var out *domain.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		p, err := s.live(tx.Bucket(pastesBucket), id, s.now())
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IncrViewsAndGet runs in a single read-write transaction; bbolt allows one
// writer at a time so concurrent increments are serialised.
func (s *Bolt) IncrViewsAndGet(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	var out *domain.Paste
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pastesBucket)
		p, err := s.live(b, id, s.now())
		if err != nil {
			return err
		}
		p.Views++
		out = p
		return putPaste(b, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) IncrViews(ctx context.Context, id string) error {
	_, err := s.IncrViewsAndGet(ctx, id)
	return err
}

func (s *Bolt) Delete(ctx context.Context, id string) (bool, error) {
	if !util.ValidID(id) {
		return false, nil
	}
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pastesBucket)
		if _, err := s.live(b, id, s.now()); err != nil {
			if errors.Is(err, domain.ErrPasteNotFound) {
				return nil
			}
			return err
		}
		removed = true
		return b.Delete([]byte(id))
	})
	if err != nil {
		return false, errors.Wrap(err, "bolt delete")
	}
	return removed, nil
}

func (s *Bolt) Search(ctx context.Context, query string, limit int) ([]domain.PasteSummary, error) {
	needle := strings.ToLower(query)
	now := s.now()
	matches := make([]*domain.Paste, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pastesBucket).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := decodePaste(v)
			if err != nil {
				return err
			}
			if p.Expired(now) {
				return nil
			}
			if strings.Contains(strings.ToLower(p.Content), needle) ||
				strings.Contains(strings.ToLower(p.Title), needle) {
				matches = append(matches, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt search")
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	limit = clampLimit(limit)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]domain.PasteSummary, 0, len(matches))
	for _, p := range matches {
		out = append(out, p.Summary())
	}
	return out, nil
}

func (s *Bolt) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pastesBucket)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			p, err := decodePaste(v)
			if err != nil {
				return err
			}
			if p.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "bolt cleanup")
	}
	return deleted, nil
}

func (s *Bolt) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pastesBucket) == nil {
			return errors.New("pastes bucket missing")
		}
		return nil
	})
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
