// Package sendfile keeps static files hot: an LRU cache of open file
// handles shared across requests, zero-copy transmission via the
// sendfile syscall, and extension-based content-type detection.
package sendfile

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// FileCache caches open file descriptors with LRU eviction. Handles
// returned by Get stay owned by the cache; callers read them with
// ReadAt and never close them.
type FileCache struct {
	mu       sync.RWMutex
	cache    map[string]*cacheEntry
	lruList  *list.List
	maxFiles int
}

type cacheEntry struct {
	file    *os.File
	element *list.Element
}

// NewFileCache creates a cache holding at most maxFiles open handles.
func NewFileCache(maxFiles int) *FileCache {
	return &FileCache{
		cache:    make(map[string]*cacheEntry),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// Get returns the cached handle for path, opening and inserting it on
// a miss.
func (fc *FileCache) Get(path string) (*os.File, error) {
	fc.mu.RLock()
	if entry, ok := fc.cache[path]; ok {
		fc.mu.RUnlock()

		fc.mu.Lock()
		fc.lruList.MoveToFront(entry.element)
		fc.mu.Unlock()

		return entry.file, nil
	}
	fc.mu.RUnlock()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if existing, ok := fc.cache[path]; ok {
		// Lost the race to another opener; keep theirs.
		file.Close()
		fc.lruList.MoveToFront(existing.element)
		return existing.file, nil
	}

	element := fc.lruList.PushFront(path)
	fc.cache[path] = &cacheEntry{
		file:    file,
		element: element,
	}

	if fc.lruList.Len() > fc.maxFiles {
		oldest := fc.lruList.Back()
		if oldest != nil {
			oldPath := oldest.Value.(string)
			if oldEntry, ok := fc.cache[oldPath]; ok {
				oldEntry.file.Close()
				delete(fc.cache, oldPath)
			}
			fc.lruList.Remove(oldest)
		}
	}

	return file, nil
}

// Close closes every cached handle.
func (fc *FileCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, entry := range fc.cache {
		entry.file.Close()
	}
	fc.cache = make(map[string]*cacheEntry)
	fc.lruList.Init()
}

// Send transmits up to count bytes of file starting at offset to a
// non-blocking socket via the sendfile syscall. It returns the bytes
// written and whether the socket would block; the caller re-arms for
// writability and retries with the advanced offset.
func Send(connFd int, file *os.File, offset int64, count int) (written int, again bool, err error) {
	fileFd := int(file.Fd())
	for written < count {
		n, err := syscall.Sendfile(connFd, fileFd, &offset, count-written)
		if n > 0 {
			written += n
		}
		if err == syscall.EAGAIN {
			return written, true, nil
		}
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return written, false, err
		}
		if n == 0 {
			break
		}
	}
	return written, false, nil
}

// GetContentType returns the MIME type for a file name by extension.
func GetContentType(filename string) string {
	ext := filepath.Ext(filename)
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
