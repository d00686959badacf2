package broadcast

import (
	"sort"
	"sync"
)

// keySet 单个订阅 key 的会话集合，独立加锁
type keySet struct {
	mu       sync.Mutex
	sessions map[string]Session
	removed  bool // 已从 registry 删除，不可再写入
}

// registry key → 会话集合；不同 key 之间互不阻塞
type registry struct {
	keys sync.Map // string → *keySet
}

func (r *registry) add(key string, s Session) {
	for {
		v, _ := r.keys.LoadOrStore(key, &keySet{sessions: make(map[string]Session)})
		set := v.(*keySet)
		set.mu.Lock()
		if set.removed {
			// 与最后一个会话的移除并发，重新获取
			set.mu.Unlock()
			continue
		}
		set.sessions[s.ID()] = s
		set.mu.Unlock()
		return
	}
}

// remove 移除会话；集合为空时删除整个 key
func (r *registry) remove(key, sessionID string) {
	v, ok := r.keys.Load(key)
	if !ok {
		return
	}
	set := v.(*keySet)
	set.mu.Lock()
	defer set.mu.Unlock()
	delete(set.sessions, sessionID)
	if len(set.sessions) == 0 && !set.removed {
		set.removed = true
		r.keys.Delete(key)
	}
}

// sessions 返回 key 下会话的快照
func (r *registry) sessions(key string) []Session {
	v, ok := r.keys.Load(key)
	if !ok {
		return nil
	}
	set := v.(*keySet)
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Session, 0, len(set.sessions))
	for _, s := range set.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *registry) list() []string {
	var out []string
	r.keys.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// sessionKeys 会话持有的 key，用于断开时清理；所有注册与注销都在 mu 内完成
type sessionKeys struct {
	mu     sync.Mutex
	closed bool // 已断开，不可再注册
	routes map[string]struct{}
	buses  map[string]struct{} // 客户端显式订阅的车辆
	picked map[string]int      // 智能选车持有的车辆引用数
}

func newSessionKeys() *sessionKeys {
	return &sessionKeys{
		routes: make(map[string]struct{}),
		buses:  make(map[string]struct{}),
		picked: make(map[string]int),
	}
}

// holdsBus 车辆仍被显式订阅或智能选车引用
func (k *sessionKeys) holdsBus(busID string) bool {
	if _, ok := k.buses[busID]; ok {
		return true
	}
	return k.picked[busID] > 0
}
