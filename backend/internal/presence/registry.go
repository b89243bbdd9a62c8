// Package presence 维护每个工作区的在线参与者、光标/选区以及对应的连接。
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotJoined = errors.New("participant has not joined the workspace")

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type SelectionRange struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
}

// Profile 是加入时客户端上报的展示信息
type Profile struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

type UserPresence struct {
	ParticipantID  string          `json:"participantId"`
	WorkspaceID    string          `json:"workspaceId"`
	ActiveDocument string          `json:"activeDocument,omitempty"`
	Cursor         *CursorPosition `json:"cursor,omitempty"`
	Selection      *SelectionRange `json:"selection,omitempty"`
	LastSeen       time.Time       `json:"lastSeen"`
	Profile        Profile         `json:"user"`
}

func (p *UserPresence) clone() UserPresence {
	out := *p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		out.Selection = &s
	}
	return out
}

// Peer 是参与者当前使用的连接
type Peer interface {
	ID() string
}

// session 是一个工作区的在线状态；为空时从 Registry 中移除
type session struct {
	workspaceID string
	mu          sync.Mutex
	presences   map[string]*UserPresence
	peers       map[string]Peer
	// closed 之后该 session 已不在 Registry 中，持有旧指针的调用方需要重新获取
	closed bool
}

// Registry 持有所有工作区会话；map 的锁只在查找/创建/删除时持有
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session), now: time.Now}
}

type JoinResult struct {
	Presence UserPresence
	Roster   []UserPresence
	Others   []Peer
	// 同一参与者的旧连接（被新连接顶替），没有则为 nil
	Replaced Peer
}

type UpdateResult struct {
	Presence UserPresence
	Others   []Peer
}

type LeaveResult struct {
	Removed       bool
	Presence      UserPresence
	Others        []Peer
	SessionClosed bool
}

type Evicted struct {
	Presence UserPresence
	Peer     Peer
	Others   []Peer
}

type Stats struct {
	Workspaces   int `json:"workspaces"`
	Participants int `json:"participants"`
}

// acquire 返回已加锁、仍然有效的 session
func (r *Registry) acquire(workspaceID string, create bool) *session {
	for {
		r.mu.RLock()
		s := r.sessions[workspaceID]
		r.mu.RUnlock()
		if s == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			if s = r.sessions[workspaceID]; s == nil {
				s = &session{
					workspaceID: workspaceID,
					presences:   make(map[string]*UserPresence),
					peers:       make(map[string]Peer),
				}
				r.sessions[workspaceID] = s
			}
			r.mu.Unlock()
		}
		s.mu.Lock()
		if !s.closed {
			return s
		}
		s.mu.Unlock()
	}
}

// release 解锁 s，若 s 已空则把它从 Registry 中删除
func (r *Registry) release(s *session) bool {
	empty := len(s.presences) == 0
	if empty {
		s.closed = true
	}
	s.mu.Unlock()
	if !empty {
		return false
	}
	r.mu.Lock()
	if r.sessions[s.workspaceID] == s {
		delete(r.sessions, s.workspaceID)
	}
	r.mu.Unlock()
	return true
}

func (s *session) others(participantID string) []Peer {
	out := make([]Peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id != participantID {
			out = append(out, p)
		}
	}
	return out
}

func (s *session) roster() []UserPresence {
	out := make([]UserPresence, 0, len(s.presences))
	for _, p := range s.presences {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Join 注册（或重新注册）参与者，返回包含其自身的名单以及需要通知的其它连接
func (r *Registry) Join(workspaceID string, p UserPresence, peer Peer) JoinResult {
	s := r.acquire(workspaceID, true)
	defer s.mu.Unlock()

	p.WorkspaceID = workspaceID
	p.LastSeen = r.now()
	var replaced Peer
	if old, ok := s.peers[p.ParticipantID]; ok && old.ID() != peer.ID() {
		replaced = old
	}
	s.presences[p.ParticipantID] = &p
	s.peers[p.ParticipantID] = peer

	return JoinResult{
		Presence: p.clone(),
		Roster:   s.roster(),
		Others:   s.others(p.ParticipantID),
		Replaced: replaced,
	}
}

func (r *Registry) update(workspaceID, participantID string, fn func(*UserPresence)) (UpdateResult, error) {
	s := r.acquire(workspaceID, false)
	if s == nil {
		return UpdateResult{}, ErrNotJoined
	}
	defer s.mu.Unlock()
	p, ok := s.presences[participantID]
	if !ok {
		return UpdateResult{}, ErrNotJoined
	}
	fn(p)
	p.LastSeen = r.now()
	return UpdateResult{Presence: p.clone(), Others: s.others(participantID)}, nil
}

// UpdateCursor 记录光标；activeDocument 为空时保留原值
func (r *Registry) UpdateCursor(workspaceID, participantID string, cursor *CursorPosition, activeDocument string) (UpdateResult, error) {
	return r.update(workspaceID, participantID, func(p *UserPresence) {
		p.Cursor = cursor
		if activeDocument != "" {
			p.ActiveDocument = activeDocument
		}
	})
}

func (r *Registry) UpdateSelection(workspaceID, participantID string, sel *SelectionRange, activeDocument string) (UpdateResult, error) {
	return r.update(workspaceID, participantID, func(p *UserPresence) {
		p.Selection = sel
		if activeDocument != "" {
			p.ActiveDocument = activeDocument
		}
	})
}

func (r *Registry) UpdatePresence(workspaceID, participantID, activeDocument string) (UpdateResult, error) {
	return r.update(workspaceID, participantID, func(p *UserPresence) {
		p.ActiveDocument = activeDocument
	})
}

// Touch 只刷新 LastSeen（心跳、编辑等）
func (r *Registry) Touch(workspaceID, participantID string) error {
	_, err := r.update(workspaceID, participantID, func(*UserPresence) {})
	return err
}

// Leave 移除参与者。peer 非 nil 时只有它仍是当前注册的连接才会移除，
// 这样被顶替的旧连接关闭时不会把新连接的注册删掉。
func (r *Registry) Leave(workspaceID, participantID string, peer Peer) LeaveResult {
	s := r.acquire(workspaceID, false)
	if s == nil {
		return LeaveResult{}
	}
	cur, ok := s.peers[participantID]
	if !ok || (peer != nil && cur.ID() != peer.ID()) {
		s.mu.Unlock()
		return LeaveResult{}
	}
	res := LeaveResult{Removed: true, Presence: s.presences[participantID].clone()}
	delete(s.presences, participantID)
	delete(s.peers, participantID)
	res.Others = s.others(participantID)
	res.SessionClosed = r.release(s)
	return res
}

// Sweep 移除 LastSeen 早于 now-timeout 的参与者
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []Evicted {
	var out []Evicted
	for _, id := range r.Workspaces() {
		s := r.acquire(id, false)
		if s == nil {
			continue
		}
		var stale []string
		for pid, p := range s.presences {
			if now.Sub(p.LastSeen) > timeout {
				stale = append(stale, pid)
			}
		}
		sort.Strings(stale)
		for _, pid := range stale {
			e := Evicted{Presence: s.presences[pid].clone(), Peer: s.peers[pid]}
			delete(s.presences, pid)
			delete(s.peers, pid)
			out = append(out, e)
		}
		if len(stale) > 0 {
			others := s.others("")
			for i := len(out) - len(stale); i < len(out); i++ {
				out[i].Others = others
			}
		}
		r.release(s)
	}
	return out
}

// Roster 返回工作区当前名单（按 participantId 排序），未知工作区返回 nil
func (r *Registry) Roster(workspaceID string) []UserPresence {
	s := r.acquire(workspaceID, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	return s.roster()
}

// Peers 返回工作区内所有连接，exclude 非空时排除该参与者
func (r *Registry) Peers(workspaceID, exclude string) []Peer {
	s := r.acquire(workspaceID, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	return s.others(exclude)
}

func (r *Registry) Lookup(workspaceID, participantID string) (UserPresence, bool) {
	s := r.acquire(workspaceID, false)
	if s == nil {
		return UserPresence{}, false
	}
	defer s.mu.Unlock()
	p, ok := s.presences[participantID]
	if !ok {
		return UserPresence{}, false
	}
	return p.clone(), true
}

func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Stats() Stats {
	var st Stats
	for _, id := range r.Workspaces() {
		s := r.acquire(id, false)
		if s == nil {
			continue
		}
		st.Workspaces++
		st.Participants += len(s.presences)
		s.mu.Unlock()
	}
	return st
}
