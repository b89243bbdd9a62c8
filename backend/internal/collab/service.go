package collab

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"workspace-collab/backend/internal/ot"
)

// 协作引擎接口
type Service interface {
	// Submit 变换、应用并提交 op；publish 在同一文档的临界区内执行，
	// 因此各连接收到广播的顺序与提交顺序一致
	Submit(docID string, op ot.TextOperation, initialContent *string, publish func(Applied)) (Applied, error)

	// Restore 在首次访问时尝试从持久化层加载文档
	Restore(ctx context.Context, docID string) error

	Snapshot(docID string) (DocumentState, error)
	CatchUp(docID string, fromVersion int) (ot.TextOperation, int, error)
	Invert(docID string, op ot.TextOperation) (ot.TextOperation, error)
	Documents() []string
}

// 持久化接口：实现在 store 包中
type Persistence interface {
	Save(ctx context.Context, docID, content string, version int) error
	// 没有快照时返回 ErrSnapshotNotFound
	Load(ctx context.Context, docID string) (content string, version int, err error)
}

// Applied 是一次成功提交的结果
type Applied struct {
	DocumentID string
	Commit
}

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrTransformFailure = errors.New("TRANSFORM_FAILURE")
	ErrVersionAhead     = errors.New("VERSION_AHEAD")
	ErrHistoryCompacted = errors.New("HISTORY_COMPACTED")
	ErrSnapshotNotFound = errors.New("SNAPSHOT_NOT_FOUND")
)

// TransformError 表示操作无法安全地应用到当前内容，文档状态未被修改
type TransformError struct {
	DocID string
	Err   error
}

func (e *TransformError) Error() string {
	return "document " + e.DocID + ": " + ErrTransformFailure.Error() + ": " + e.Err.Error()
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool { return target == ErrTransformFailure }

// Engine 是 Service 的内存实现
type Engine struct {
	store   *Store
	persist Persistence
	// 同一文档的并发加载只触发一次 Load
	loads singleflight.Group
	log   zerolog.Logger
	now   func() time.Time
}

var _ Service = (*Engine)(nil)

// NewEngine 返回引擎实例；persist 可以为 nil（纯内存）
func NewEngine(store *Store, persist Persistence, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		persist: persist,
		log:     logger.With().Str("component", "engine").Logger(),
		now:     time.Now,
	}
}

func (e *Engine) Store() *Store { return e.store }

// ApplyOperation 等价于不带广播回调的 Submit
func (e *Engine) ApplyOperation(docID string, op ot.TextOperation, initialContent *string) (Applied, error) {
	return e.Submit(docID, op, initialContent, nil)
}

func (e *Engine) Submit(docID string, op ot.TextOperation, initialContent *string, publish func(Applied)) (Applied, error) {
	ds := e.store.lookup(docID)
	if ds == nil {
		if initialContent == nil {
			return Applied{}, xerrors.Errorf("document %s: %w", docID, ErrDocumentNotFound)
		}
		if e.store.InitDocument(docID, *initialContent) {
			e.log.Debug().Str("doc", docID).Msg("document initialized lazily")
		}
		ds = e.store.lookup(docID)
	}
	if err := ot.Validate(op); err != nil {
		return Applied{}, &TransformError{DocID: docID, Err: err}
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	commit, err := ds.commit(docID, op, e.now())
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{DocumentID: docID, Commit: commit}
	if publish != nil {
		publish(applied)
	}
	return applied, nil
}

// commit 在持有 ds.mu 时调用；任何错误都不会修改文档
func (ds *docState) commit(docID string, op ot.TextOperation, now time.Time) (Commit, error) {
	missed, err := ds.since(op.BaseVersion, 0)
	if err != nil {
		return Commit{}, xerrors.Errorf("document %s: %w", docID, err)
	}
	for _, c := range missed {
		op = ot.Transform(op, c.Op)
	}
	op.BaseVersion = ds.version

	d, err := ot.ToDelta(op, ds.buf.Len())
	if err != nil {
		return Commit{}, &TransformError{DocID: docID, Err: err}
	}
	// 删除的文本只能在应用之前读取
	inverse, err := ot.Invert(op, ds.buf.String())
	if err != nil {
		return Commit{}, &TransformError{DocID: docID, Err: err}
	}
	if err := ds.buf.Apply(d); err != nil {
		return Commit{}, &TransformError{DocID: docID, Err: err}
	}

	c := Commit{
		ID:        xid.New().String(),
		Op:        op,
		Inverse:   inverse,
		Version:   ds.version + 1,
		AppliedAt: now,
	}
	ds.history = append(ds.history, c)
	ds.version++
	return c, nil
}

func (e *Engine) Restore(ctx context.Context, docID string) error {
	if e.persist == nil || e.store.GetVersion(docID) >= 0 {
		return nil
	}
	_, err, _ := e.loads.Do(docID, func() (interface{}, error) {
		if e.store.GetVersion(docID) >= 0 {
			return nil, nil
		}
		content, version, err := e.persist.Load(ctx, docID)
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("load snapshot %s: %w", docID, err)
		}
		if e.store.restore(docID, content, version) {
			e.log.Info().Str("doc", docID).Int("version", version).Msg("document restored from snapshot")
		}
		return nil, nil
	})
	return err
}

func (e *Engine) Snapshot(docID string) (DocumentState, error) {
	return e.store.Snapshot(docID)
}

// CatchUp 把 fromVersion 之后的全部提交合成一个操作，返回它和当前版本
func (e *Engine) CatchUp(docID string, fromVersion int) (ot.TextOperation, int, error) {
	ds := e.store.lookup(docID)
	if ds == nil {
		return ot.TextOperation{}, -1, xerrors.Errorf("document %s: %w", docID, ErrDocumentNotFound)
	}
	ds.mu.Lock()
	commits, err := ds.since(fromVersion, 0)
	version := ds.version
	ds.mu.Unlock()
	if err != nil {
		return ot.TextOperation{}, version, xerrors.Errorf("document %s: %w", docID, err)
	}

	out := ot.TextOperation{BaseVersion: fromVersion}
	for i, c := range commits {
		if i == 0 {
			out = c.Op
			continue
		}
		if out, err = ot.Compose(out, c.Op); err != nil {
			return ot.TextOperation{}, version, xerrors.Errorf("compose %s@%d: %w", docID, c.Version, err)
		}
		// 合成结果视为从 fromVersion 出发的一步，下一次合成需要连续的版本号
		out.BaseVersion = c.Op.BaseVersion
	}
	out.BaseVersion = fromVersion
	return out, version, nil
}

// Invert 把 op 变换到当前版本后，对当前内容求逆（用于撤销）
func (e *Engine) Invert(docID string, op ot.TextOperation) (ot.TextOperation, error) {
	ds := e.store.lookup(docID)
	if ds == nil {
		return ot.TextOperation{}, xerrors.Errorf("document %s: %w", docID, ErrDocumentNotFound)
	}
	if err := ot.Validate(op); err != nil {
		return ot.TextOperation{}, &TransformError{DocID: docID, Err: err}
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	missed, err := ds.since(op.BaseVersion, 0)
	if err != nil {
		return ot.TextOperation{}, xerrors.Errorf("document %s: %w", docID, err)
	}
	for _, c := range missed {
		op = ot.Transform(op, c.Op)
	}
	inv, err := ot.Invert(op, ds.buf.String())
	if err != nil {
		return ot.TextOperation{}, &TransformError{DocID: docID, Err: err}
	}
	return inv, nil
}

func (e *Engine) Documents() []string {
	return e.store.Documents()
}

// Flush 把有新提交的文档写入持久化层；返回所有失败的合并错误
func (e *Engine) Flush(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	var errs []error
	for _, id := range e.store.Documents() {
		ds := e.store.lookup(id)
		if ds == nil {
			continue
		}
		ds.mu.Lock()
		dirty := ds.version > ds.savedVersion
		content, version := ds.buf.String(), ds.version
		ds.mu.Unlock()
		if !dirty {
			continue
		}

		if err := e.persist.Save(ctx, id, content, version); err != nil {
			e.log.Error().Err(err).Str("doc", id).Int("version", version).Msg("save snapshot failed")
			errs = append(errs, xerrors.Errorf("save %s: %w", id, err))
			continue
		}
		ds.mu.Lock()
		if version > ds.savedVersion {
			ds.savedVersion = version
		}
		ds.mu.Unlock()
		e.log.Debug().Str("doc", id).Int("version", version).Msg("snapshot saved")
	}
	return errors.Join(errs...)
}
