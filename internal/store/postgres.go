package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const notifyChannel = "heroquiz_changes"

// docDepth is the number of leading path segments that name one document
// row ("rooms/<id>"). Everything below lives inside that row's JSON body.
const docDepth = 2

type document struct {
	DocKey    string `gorm:"column:doc_key;primaryKey;size:512"`
	Body      string `gorm:"column:body;type:text;not null"`
	UpdatedAt time.Time
}

func (document) TableName() string { return "store_documents" }

type docState struct {
	tree   any
	exists bool
	dirty  bool
}

type mutation struct {
	parts []string
	value any
}

// Postgres is a Store backed by one JSON document per room. Writes lock the
// affected rows for the duration of a transaction and announce the changed
// document keys with pg_notify; a dedicated pgx connection listens for them.
type Postgres struct {
	db     *gorm.DB
	dsn    string
	broker *broker
	status *statusFeed
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&document{}); err != nil {
		return nil, fmt.Errorf("migrate store documents: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		db:     db,
		dsn:    dsn,
		broker: newBroker(),
		status: newStatusFeed(false),
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.listen(lctx)
	return p, nil
}

func (p *Postgres) Close() error {
	p.cancel()
	<-p.done
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) Read(ctx context.Context, path string) (any, error) {
	parts := Split(path)
	if len(parts) >= docDepth {
		var doc document
		err := p.db.WithContext(ctx).Where("doc_key = ?", Join(parts[:docDepth])).Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(err)
		}
		tree, err := decodeBody(doc.Body)
		if err != nil {
			return nil, err
		}
		return getAt(tree, parts[docDepth:]), nil
	}

	var docs []document
	if err := prefixScope(p.db.WithContext(ctx), parts).Find(&docs).Error; err != nil {
		return nil, classify(err)
	}
	var root any
	for _, d := range docs {
		tree, err := decodeBody(d.Body)
		if err != nil {
			return nil, err
		}
		root = setAt(root, Split(d.DocKey), tree)
	}
	return getAt(root, parts), nil
}

func (p *Postgres) Exists(ctx context.Context, path string) (bool, error) {
	v, err := p.Read(ctx, path)
	return v != nil, err
}

func (p *Postgres) Write(ctx context.Context, path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	return p.apply(ctx, []mutation{{parts: Split(path), value: v}})
}

func (p *Postgres) Remove(ctx context.Context, path string) error {
	return p.apply(ctx, []mutation{{parts: Split(path)}})
}

func (p *Postgres) Patch(ctx context.Context, path string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	base := Split(path)
	muts := make([]mutation, 0, len(updates))
	for rel, value := range updates {
		v, err := normalize(value)
		if err != nil {
			return fmt.Errorf("patch %s: %w", rel, err)
		}
		muts = append(muts, mutation{parts: joinRel(base, rel), value: v})
	}
	return p.apply(ctx, muts)
}

func (p *Postgres) AtomicIncrement(ctx context.Context, path string, delta int64) (int64, error) {
	parts := Split(path)
	if len(parts) <= docDepth {
		return 0, fmt.Errorf("%w: increment needs a path inside a document: %s", ErrInvalidPath, path)
	}
	key := Join(parts[:docDepth])

	return withConflictRetry(ctx, func() (int64, error) {
		var result int64
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			docs := map[string]*docState{}
			d, err := loadDoc(tx, docs, key)
			if err != nil {
				return err
			}
			cur, err := toNumber(getAt(d.tree, parts[docDepth:]))
			if err != nil {
				return err
			}
			next := cur + float64(delta)
			d.tree = setAt(d.tree, parts[docDepth:], next)
			d.dirty = true
			result = int64(next)
			if err := flush(tx, docs); err != nil {
				return err
			}
			return tx.Exec("SELECT pg_notify(?, ?)", notifyChannel, key).Error
		})
		return result, err
	})
}

func (p *Postgres) Subscribe(ctx context.Context, path string, onChange func(any), onError func(error)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("subscribe %s: onChange is required", path)
	}
	return p.broker.subscribe(ctx, Split(path), func(ctx context.Context) (any, error) {
		return p.Read(ctx, path)
	}, onChange, onError), nil
}

func (p *Postgres) Connectivity(ctx context.Context) <-chan bool { return p.status.subscribe(ctx) }

func (p *Postgres) apply(ctx context.Context, muts []mutation) error {
	_, err := withConflictRetry(ctx, func() (struct{}, error) {
		return struct{}{}, p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			touched, err := applyTx(tx, muts)
			if err != nil {
				return err
			}
			for _, key := range touched {
				if err := tx.Exec("SELECT pg_notify(?, ?)", notifyChannel, key).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
	return err
}

func applyTx(tx *gorm.DB, muts []mutation) ([]string, error) {
	docs := map[string]*docState{}
	touched := map[string]bool{}

	for _, m := range muts {
		if len(m.parts) >= docDepth {
			key := Join(m.parts[:docDepth])
			d, err := loadDoc(tx, docs, key)
			if err != nil {
				return nil, err
			}
			d.tree = setAt(d.tree, m.parts[docDepth:], m.value)
			d.dirty = true
			touched[key] = true
			continue
		}

		// Above document level: replace every document under the prefix.
		if err := prefixScope(tx.Session(&gorm.Session{AllowGlobalUpdate: true}), m.parts).Delete(&document{}).Error; err != nil {
			return nil, err
		}
		for key, d := range docs {
			if overlaps(Split(key), m.parts) {
				d.tree, d.exists, d.dirty = nil, false, true
			}
		}
		exploded, err := explode(m.parts, m.value)
		if err != nil {
			return nil, err
		}
		for key, tree := range exploded {
			docs[key] = &docState{tree: tree, dirty: true}
		}
		touched[Join(m.parts)] = true
	}

	if err := flush(tx, docs); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	return keys, nil
}

// loadDoc reads and row-locks a document once per transaction.
func loadDoc(tx *gorm.DB, docs map[string]*docState, key string) (*docState, error) {
	if d, ok := docs[key]; ok {
		return d, nil
	}
	var row document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("doc_key = ?", key).Take(&row).Error
	d := &docState{}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		if d.tree, err = decodeBody(row.Body); err != nil {
			return nil, err
		}
		d.exists = true
	}
	docs[key] = d
	return d, nil
}

// flush writes dirty documents. New rows are plain inserts so two writers
// creating the same document collide on the primary key and one retries.
func flush(tx *gorm.DB, docs map[string]*docState) error {
	now := time.Now().UTC()
	for key, d := range docs {
		if !d.dirty {
			continue
		}
		if d.tree == nil {
			if d.exists {
				if err := tx.Where("doc_key = ?", key).Delete(&document{}).Error; err != nil {
					return err
				}
			}
			continue
		}
		body, err := json.Marshal(d.tree)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", key, err)
		}
		if d.exists {
			err = tx.Model(&document{}).Where("doc_key = ?", key).
				Updates(map[string]any{"body": string(body), "updated_at": now}).Error
		} else {
			err = tx.Create(&document{DocKey: key, Body: string(body), UpdatedAt: now}).Error
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// explode splits a value written above document level into document rows.
func explode(parts []string, value any) (map[string]any, error) {
	out := map[string]any{}
	if value == nil {
		return out, nil
	}
	if len(parts) >= docDepth {
		out[Join(parts)] = value
		return out, nil
	}
	children, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds documents, got %T", ErrInvalidPath, Join(parts), value)
	}
	for k, child := range children {
		sub, err := explode(append(append([]string{}, parts...), k), child)
		if err != nil {
			return nil, err
		}
		for key, tree := range sub {
			out[key] = tree
		}
	}
	return out, nil
}

func prefixScope(db *gorm.DB, parts []string) *gorm.DB {
	if len(parts) == 0 {
		return db.Where("1 = 1")
	}
	prefix := Join(parts)
	// '0' sorts right after '/', so this range covers prefix/* only.
	return db.Where("doc_key >= ? AND doc_key < ?", prefix+"/", prefix+"0")
}

func decodeBody(body string) (any, error) {
	var tree any
	if err := json.Unmarshal([]byte(body), &tree); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return tree, nil
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return true
	}
	return false
}

// classify maps driver failures that are not SQL errors to ErrUnavailable.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, ErrNotNumber) || errors.Is(err, ErrInvalidPath) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func withConflictRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isConflict(err) {
			return v, backoff.Permanent(classify(err))
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(10))
	if err != nil && isConflict(err) {
		return v, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return v, err
}

func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		err := p.listenOnce(ctx, b.Reset)
		p.status.set(false)
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		p.log.Warn("change listener disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context, connected func()) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	p.status.set(true)
	// Changes may have been missed while disconnected.
	p.broker.pokeAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		p.broker.notify(Split(n.Payload))
	}
}
