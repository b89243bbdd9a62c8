package collab

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"workspace-collab/backend/internal/ot"
)

// Commit 是一次已提交的操作：history[i] 把文档从版本 i 推进到 i+1
type Commit struct {
	ID        string           `json:"id"`
	Op        ot.TextOperation `json:"operation"`
	Inverse   ot.TextOperation `json:"inverse"`
	Version   int              `json:"version"` // 提交后的版本
	AppliedAt time.Time        `json:"appliedAt"`
}

// DocumentState 是某一时刻文档状态的只读拷贝
type DocumentState struct {
	Content string             `json:"content"`
	Version int                `json:"version"`
	History []ot.TextOperation `json:"history,omitempty"`
}

type docState struct {
	// 同一文档的所有提交都在这把锁下串行执行
	mu      sync.Mutex
	buf     Buffer
	version int
	// 从快照恢复的文档，history 只覆盖 [historyBase, version)；新建文档 historyBase=0
	historyBase  int
	history      []Commit
	savedVersion int
}

// Store 持有每个文档的内容、版本号和提交历史，本身不含变换逻辑
type Store struct {
	mu   sync.RWMutex
	docs map[string]*docState
}

func NewStore() *Store {
	return &Store{docs: make(map[string]*docState)}
}

func (s *Store) lookup(id string) *docState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[id]
}

// InitDocument 以版本 0、空历史创建文档。已存在时不做任何修改，返回 false。
func (s *Store) InitDocument(id, initialContent string) bool {
	return s.install(id, initialContent, 0)
}

// restore 用快照内容创建文档；快照之前的历史不可用
func (s *Store) restore(id, content string, version int) bool {
	return s.install(id, content, version)
}

func (s *Store) install(id, content string, version int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; ok {
		return false
	}
	s.docs[id] = &docState{
		buf:          NewBuffer(content),
		version:      version,
		historyBase:  version,
		savedVersion: version,
	}
	return true
}

// GetVersion 返回当前版本，未知文档返回 -1
func (s *Store) GetVersion(id string) int {
	ds := s.lookup(id)
	if ds == nil {
		return -1
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.version
}

// Snapshot 返回内容、版本和（可用部分的）历史
func (s *Store) Snapshot(id string) (DocumentState, error) {
	ds := s.lookup(id)
	if ds == nil {
		return DocumentState{}, xerrors.Errorf("document %s: %w", id, ErrDocumentNotFound)
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	state := DocumentState{Content: ds.buf.String(), Version: ds.version}
	for _, c := range ds.history {
		state.History = append(state.History, c.Op)
	}
	return state, nil
}

// History 返回版本 from 之后的提交，limit<=0 表示不限
func (s *Store) History(id string, from, limit int) ([]Commit, error) {
	ds := s.lookup(id)
	if ds == nil {
		return nil, xerrors.Errorf("document %s: %w", id, ErrDocumentNotFound)
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.since(from, limit)
}

func (ds *docState) since(from, limit int) ([]Commit, error) {
	if from > ds.version {
		return nil, xerrors.Errorf("version %d > %d: %w", from, ds.version, ErrVersionAhead)
	}
	if from < ds.historyBase {
		return nil, xerrors.Errorf("version %d < %d: %w", from, ds.historyBase, ErrHistoryCompacted)
	}
	commits := ds.history[from-ds.historyBase:]
	if limit > 0 && len(commits) > limit {
		commits = commits[:limit]
	}
	out := make([]Commit, len(commits))
	copy(out, commits)
	return out, nil
}

// Documents 返回所有已知文档 id（有序）
func (s *Store) Documents() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
