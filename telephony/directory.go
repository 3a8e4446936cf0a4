package telephony

import (
	"sort"
	"strings"
	"sync"
)

// Directory maps short dial names (dispatcher, a technician's name, an
// extension) to SIP URIs, and URIs back to names for caller display.
type Directory struct {
	mu        sync.RWMutex
	nameToURI map[string]string
	uriToName map[string]string
}

// NewDirectory creates a directory from name=uri entries.
func NewDirectory(entries map[string]string) *Directory {
	d := &Directory{}
	d.Set(entries)
	return d
}

// Set replaces the directory content.
func (d *Directory) Set(entries map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nameToURI = make(map[string]string, len(entries))
	d.uriToName = make(map[string]string, len(entries))
	for name, uri := range entries {
		d.addLocked(name, uri)
	}
}

// Update adds or replaces one entry.
func (d *Directory) Update(name, uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(name, uri)
}

// addLocked stores an entry; caller must hold write lock.
func (d *Directory) addLocked(name, uri string) {
	name = strings.TrimSpace(name)
	uri = strings.TrimSpace(uri)
	if name == "" || uri == "" {
		return
	}
	d.nameToURI[strings.ToLower(name)] = uri
	d.uriToName[strings.ToLower(uri)] = name
}

// Resolve returns the URI for a dial target. A target that already looks like
// a SIP URI is returned unchanged.
func (d *Directory) Resolve(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	uri, ok := d.nameToURI[strings.ToLower(target)]
	return uri, ok
}

// Name returns the directory name for uri, or uri itself when unknown.
func (d *Directory) Name(uri string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.uriToName[strings.ToLower(uri)]; ok {
		return name
	}
	return uri
}

// Names lists the dial names, lower-cased, in alphabetical order.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.nameToURI))
	for name := range d.nameToURI {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
