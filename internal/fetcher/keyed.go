package fetcher

import (
	"sort"
	"sync"
)

// KeyFunc derives the registry key for a call. Calls with equal keys share
// one Fetcher; calls with different keys never share state.
type KeyFunc func(Params) string

type KeyedConfig struct {
	// Template configures every Fetcher in the registry. Each instance is
	// named "<Template.Name>:<key>".
	Template Config
	Key      KeyFunc

	// MaxKeys bounds the registry. The least recently used idle fetcher is
	// dropped when a new key would exceed it. 0 means unbounded.
	MaxKeys int

	// OnEvict is called, outside the registry lock, with the dropped key.
	OnEvict func(key string)
}

type keyedItem struct {
	key  string
	f    *Fetcher
	prev *keyedItem
	next *keyedItem
}

// Keyed is a registry of independent Fetchers, one per key.
type Keyed struct {
	cfg KeyedConfig

	mu    sync.Mutex
	items map[string]*keyedItem
	head  *keyedItem
	tail  *keyedItem
}

func NewKeyed(cfg KeyedConfig) (*Keyed, error) {
	if cfg.Template.URL == nil {
		return nil, ErrNoURLBuilder
	}
	if cfg.Key == nil {
		cfg.Key = func(Params) string { return "" }
	}
	if cfg.MaxKeys < 0 {
		cfg.MaxKeys = 0
	}
	return &Keyed{cfg: cfg, items: map[string]*keyedItem{}}, nil
}

func (k *Keyed) Name() string { return k.cfg.Template.Name }

// Get routes the call to the Fetcher owning its key.
func (k *Keyed) Get(p Params) Result {
	return k.Fetcher(k.cfg.Key(p)).Get(p)
}

// Fetcher returns the Fetcher for key, creating it on first use.
func (k *Keyed) Fetcher(key string) *Fetcher {
	k.mu.Lock()
	if it, ok := k.items[key]; ok {
		k.moveToFront(it)
		k.mu.Unlock()
		return it.f
	}

	cfg := k.cfg.Template
	cfg.Name = k.cfg.Template.Name + ":" + key
	it := &keyedItem{key: key, f: newFetcher(cfg)}

	var evicted []string
	for k.cfg.MaxKeys > 0 && len(k.items) >= k.cfg.MaxKeys {
		old := k.victim()
		if old == nil {
			break
		}
		k.remove(old)
		delete(k.items, old.key)
		evicted = append(evicted, old.key)
	}
	k.items[key] = it
	k.addToFront(it)
	k.mu.Unlock()

	if k.cfg.OnEvict != nil {
		for _, key := range evicted {
			k.cfg.OnEvict(key)
		}
	}
	return it.f
}

// victim returns the least recently used fetcher that is neither waiting on
// upstream nor cooling down. Dropping either would let a recreated fetcher
// start a second concurrent request or skip the backoff. When every fetcher
// is pinned the registry grows past MaxKeys until one settles.
func (k *Keyed) victim() *keyedItem {
	for it := k.tail; it != nil; it = it.prev {
		if !it.f.pinned() {
			return it
		}
	}
	return nil
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.items)
}

// States returns the state of every fetcher, sorted by name.
func (k *Keyed) States() []State {
	k.mu.Lock()
	fs := make([]*Fetcher, 0, len(k.items))
	for _, it := range k.items {
		fs = append(fs, it.f)
	}
	k.mu.Unlock()

	out := make([]State, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (k *Keyed) addToFront(it *keyedItem) {
	it.prev = nil
	it.next = k.head
	if k.head != nil {
		k.head.prev = it
	}
	k.head = it
	if k.tail == nil {
		k.tail = it
	}
}

func (k *Keyed) remove(it *keyedItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		k.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		k.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (k *Keyed) moveToFront(it *keyedItem) {
	if k.head == it {
		return
	}
	k.remove(it)
	k.addToFront(it)
}
