package intercept

import (
	"path/filepath"
	"strings"
	"sync"
)

// ExtensionIndex maps a source file to the extension that installed it.
type ExtensionIndex interface {
	FindOwner(path string) (string, bool)
}

// PathIndex resolves owners by longest install-directory prefix.
type PathIndex struct {
	mu    sync.RWMutex
	roots map[string]string // cleaned dir -> extension id
}

func NewPathIndex(installs map[string]string) *PathIndex {
	p := &PathIndex{roots: map[string]string{}}
	for id, dir := range installs {
		p.Add(id, dir)
	}
	return p
}

func (p *PathIndex) Add(id, dir string) {
	p.mu.Lock()
	p.roots[filepath.Clean(dir)] = id
	p.mu.Unlock()
}

func (p *PathIndex) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dir, owner := range p.roots {
		if owner == id {
			delete(p.roots, dir)
		}
	}
}

func (p *PathIndex) FindOwner(path string) (string, bool) {
	path = filepath.Clean(path)
	p.mu.RLock()
	defer p.mu.RUnlock()
	best, owner := -1, ""
	for dir, id := range p.roots {
		if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			continue
		}
		if len(dir) > best {
			best, owner = len(dir), id
		}
	}
	return owner, best >= 0
}
