package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
)

// Source resolves the raw template body for an event on a channel.
type Source interface {
	Load(channel db.Channel, name string) (string, error)
}

// DirSource reads templates from <base>/<channel>/<name>.tmpl. Bodies are
// cached after first read since template files do not change at runtime.
type DirSource struct {
	base string

	mu    sync.RWMutex
	cache map[string]string
}

func NewDirSource(base string) *DirSource {
	return &DirSource{base: base, cache: make(map[string]string)}
}

func (s *DirSource) Load(channel db.Channel, name string) (string, error) {
	key := string(channel) + "/" + name

	s.mu.RLock()
	raw, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return raw, nil
	}

	path := filepath.Join(s.base, string(channel), name+".tmpl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.New(apperr.KindNotFound, "template not found: %s", key)
		}
		return "", fmt.Errorf("read template %s: %w", path, err)
	}

	s.mu.Lock()
	s.cache[key] = string(data)
	s.mu.Unlock()

	return string(data), nil
}

// MapSource serves templates from memory, keyed "<channel>/<name>".
type MapSource map[string]string

func (s MapSource) Load(channel db.Channel, name string) (string, error) {
	raw, ok := s[string(channel)+"/"+name]
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "template not found: %s/%s", channel, name)
	}
	return raw, nil
}
