package storage

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"netinterceptor/internal/logger"
	"netinterceptor/pkg/model"
	"netinterceptor/pkg/traffic"
)

// Handle 记录在存储中的内部句柄，由 Begin 返回，结算时用于查找而不是重建记录
type Handle int

// MemoryStore 一个窗口世代的调用记录，仅追加，按插入顺序保存。
// 每次变更都会关闭并重建 changed 通道，用于唤醒等待者。
type MemoryStore struct {
	mu         sync.RWMutex
	generation model.GenerationID
	records    []*model.CallRecord
	sockets    []*model.WebSocketRecord
	socketIdx  map[model.SocketID]int
	nextID     int64
	actionSeq  int
	watchMark  int
	wsMark     int
	changed    chan struct{}
	log        logger.Logger
}

// NewMemoryStore 创建空的世代存储
func NewMemoryStore(gen model.GenerationID, l logger.Logger) *MemoryStore {
	if l == nil {
		l = logger.NewNop()
	}
	if gen == "" {
		gen = model.GenerationID(uuid.NewString())
	}
	return &MemoryStore{
		generation: gen,
		socketIdx:  make(map[model.SocketID]int),
		changed:    make(chan struct{}),
		log:        l,
	}
}

// Generation 所属窗口世代
func (s *MemoryStore) Generation() model.GenerationID { return s.generation }

// Changed 返回在下一次变更时关闭的通道
func (s *MemoryStore) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *MemoryStore) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// NextRequestID 分配单调递增的请求ID；卸载状态下返回哨兵ID
func (s *MemoryStore) NextRequestID(state model.WindowState) model.RequestID {
	if state == model.WindowStateUnloading {
		return model.SkipRequestID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return model.RequestID(strconv.FormatInt(s.nextID, 10))
}

// Begin 追加一条进行中的记录
func (s *MemoryStore) Begin(rec model.CallRecord) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	r.Response = nil
	r.RequestError = nil
	r.Seq = len(s.records)
	if r.TimeStart.IsZero() {
		r.TimeStart = time.Now()
	}
	if r.Request.Headers == nil {
		r.Request.Headers = make(traffic.Header)
	}
	if r.Request.Query == nil {
		r.Request.Query = make(map[string]string)
	}
	s.records = append(s.records, &r)
	s.notifyLocked()
	s.log.Debug("记录请求", "id", r.ID, "method", r.Method, "url", r.URL, "type", r.ResourceType)
	return Handle(r.Seq)
}

// Complete 写入响应使记录进入终态；已是终态时返回 false
func (s *MemoryStore) Complete(h Handle, resp model.CallResponse, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookupLocked(h)
	if r == nil || !r.IsPending() {
		return false
	}
	if resp.TimeEnd.IsZero() {
		resp.TimeEnd = time.Now()
	}
	if resp.Headers == nil {
		resp.Headers = make(traffic.Header)
	}
	r.Response = &resp
	r.Delay = delay
	r.Duration = resp.TimeEnd.Sub(r.TimeStart)
	s.notifyLocked()
	s.log.Debug("请求完成", "id", r.ID, "status", resp.StatusCode, "mock", resp.IsMock, "duration", r.Duration)
	return true
}

// Fail 写入错误使记录进入终态；已是终态时返回 false
func (s *MemoryStore) Fail(h Handle, cerr *model.CallError, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookupLocked(h)
	if r == nil || !r.IsPending() {
		return false
	}
	if cerr == nil {
		cerr = &model.CallError{Kind: model.ErrorNetwork, Message: "unknown error"}
	}
	e := *cerr
	r.RequestError = &e
	r.Delay = delay
	r.Duration = time.Since(r.TimeStart)
	s.notifyLocked()
	s.log.Debug("请求失败", "id", r.ID, "kind", e.Kind, "error", e.Message)
	return true
}

func (s *MemoryStore) lookupLocked(h Handle) *model.CallRecord {
	if int(h) < 0 || int(h) >= len(s.records) {
		return nil
	}
	return s.records[h]
}

// Get 获取单条记录的拷贝
func (s *MemoryStore) Get(h Handle) (model.CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookupLocked(h)
	if r == nil {
		return model.CallRecord{}, false
	}
	return copyRecord(r), true
}

// Records 返回全部记录的拷贝
func (s *MemoryStore) Records() []model.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.records)
}

// Watched 返回最近一次 ResetWatch 之后创建的记录
func (s *MemoryStore) Watched() []model.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.records[s.watchMark:])
}

// ResetWatch 之后的等待只关注新创建的记录
func (s *MemoryStore) ResetWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchMark = len(s.records)
	s.notifyLocked()
}

// OpenSocket 创建 WebSocket 记录并追加 create 动作
func (s *MemoryStore) OpenSocket(rawURL string, protocols []string, crossDomain bool) model.SocketID {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	id := model.SocketID(uuid.NewString())
	rec := &model.WebSocketRecord{
		ID:          id,
		URL:         rawURL,
		Protocols:   append([]string(nil), protocols...),
		Query:       traffic.ParseQuery(rawURL),
		CrossDomain: crossDomain,
		TimeStart:   now,
	}
	s.socketIdx[id] = len(s.sockets)
	s.sockets = append(s.sockets, rec)
	s.appendLocked(rec, model.WebSocketAction{Type: model.ActionCreate, Timestamp: now})
	s.notifyLocked()
	s.log.Debug("记录WebSocket", "id", id, "url", rawURL)
	return id
}

// AppendAction 为连接追加动作；连接不存在时返回 false
func (s *MemoryStore) AppendAction(id model.SocketID, act model.WebSocketAction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.socketIdx[id]
	if !ok {
		return false
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now()
	}
	s.appendLocked(s.sockets[i], act)
	s.notifyLocked()
	return true
}

func (s *MemoryStore) appendLocked(rec *model.WebSocketRecord, act model.WebSocketAction) {
	act.Seq = s.actionSeq
	s.actionSeq++
	act.URL = rec.URL
	act.Protocols = rec.Protocols
	rec.Actions = append(rec.Actions, act)
}

// Sockets 返回全部 WebSocket 记录的拷贝
func (s *MemoryStore) Sockets() []model.WebSocketRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WebSocketRecord, 0, len(s.sockets))
	for _, r := range s.sockets {
		c := *r
		c.Actions = append([]model.WebSocketAction(nil), r.Actions...)
		out = append(out, c)
	}
	return out
}

// WebSocketWatchMark 动作序号下限，小于它的动作被等待者忽略
func (s *MemoryStore) WebSocketWatchMark() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wsMark
}

// ResetWebSocketWatch 之后的等待只关注新动作
func (s *MemoryStore) ResetWebSocketWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsMark = s.actionSeq
	s.notifyLocked()
}

func copyRecords(src []*model.CallRecord) []model.CallRecord {
	out := make([]model.CallRecord, 0, len(src))
	for _, r := range src {
		out = append(out, copyRecord(r))
	}
	return out
}

func copyRecord(r *model.CallRecord) model.CallRecord {
	c := *r
	if r.Response != nil {
		resp := *r.Response
		c.Response = &resp
	}
	if r.RequestError != nil {
		e := *r.RequestError
		c.RequestError = &e
	}
	return c
}
