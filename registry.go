package rtcore

import (
	"sort"
	"strings"
	"sync"
)

// nameAlphabet is the 37-symbol set spec.md §3/§6 names are drawn from:
// A-Z, 0-9, and '_'. A 6-character name therefore packs into a single
// uint32 (37^6 = 2,565,726,409 < 2^32), matching the "compressed name"
// scheme real-time kernels use to avoid string comparisons on hot paths.
const nameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

const nameBase = uint32(len(nameAlphabet))

// maxNameLen is the maximum number of characters in a registrable name.
const maxNameLen = 6

var nameSymbolIndex [256]int8

func init() {
	for i := range nameSymbolIndex {
		nameSymbolIndex[i] = -1
	}
	for i := 0; i < len(nameAlphabet); i++ {
		nameSymbolIndex[nameAlphabet[i]] = int8(i)
	}
}

// encodeName compresses a name of up to 6 characters drawn from
// nameAlphabet into a single uint32. Lowercase letters are folded to
// uppercase. Returns an error if name is too long or contains a character
// outside the alphabet.
func encodeName(name string) (uint32, error) {
	if len(name) == 0 || len(name) > maxNameLen {
		return 0, newErr("encode_name", KindInvalidArg)
	}
	var code uint32
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		idx := nameSymbolIndex[c]
		if idx < 0 {
			return 0, newErr("encode_name", KindInvalidArg)
		}
		code = code*nameBase + uint32(idx)
	}
	// Disambiguate names shorter than maxNameLen from ones that happen to
	// decode to the same digits by offsetting the code past every shorter
	// name (37 + 37^2 + ... + 37^(len-1)); the largest code,
	// 37 + ... + 37^6 - 1 = 2,636,996,585, still fits below 2^32.
	for n, span := 1, nameBase; n < len(name); n, span = n+1, span*nameBase {
		code += span
	}
	return code, nil
}

// decodeName reverses encodeName, for diagnostics.
func decodeName(code uint32) string {
	length := 1
	for span := nameBase; length <= maxNameLen && code >= span; span *= nameBase {
		code -= span
		length++
	}
	if length > maxNameLen {
		return ""
	}
	buf := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		buf[i] = nameAlphabet[code%nameBase]
		code /= nameBase
	}
	return string(buf)
}

// ObjectInfo describes one named, registered object, for introspection
// (spec.md's supplemented registry-listing feature).
type ObjectInfo struct {
	Name string
	Kind string
	Idx  Index
}

// Registry maps compressed names to arena indices for every kind of
// nameable object (tasks, semaphores, and the rest of the object families
// spec.md §3 allows to be optionally named).
//
// Grounded on the teacher's registry (eventloop/registry.go): a
// centralized, mutex-guarded name table. The teacher's version tracks
// promise liveness with weak pointers and a ring-buffer scavenger, because
// JS-style promises are created and abandoned at a rate that makes
// GC-driven cleanup the right tool. Named kernel objects in this domain
// have an explicit, caller-driven lifecycle instead (spec.md §3
// "Deletion"): a task or semaphore is unregistered at the same moment it
// is freed from its arena, so there is nothing to scavenge — Unbind
// replaces the weak-pointer scan entirely.
type Registry struct {
	mu      sync.RWMutex
	byName  map[uint32]ObjectInfo
	maxSize int
}

// NewRegistry constructs an empty Registry accepting at most maxSize
// entries (spec.md §6 max_names).
func NewRegistry(maxSize int) *Registry {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Registry{
		byName:  make(map[uint32]ObjectInfo, maxSize),
		maxSize: maxSize,
	}
}

// Bind registers idx under name with the given kind label (e.g. "task",
// "counting_sem"). Returns ErrBusy if the name is already taken, ErrNoResource if
// the registry is at capacity, or ErrInvalidArg if name cannot be encoded.
func (r *Registry) Bind(name, kind string, idx Index) error {
	code, err := encodeName(name)
	if err != nil {
		return wrapErr("registry_bind", KindInvalidArg, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[code]; exists {
		return newErr("registry_bind", KindBusy)
	}
	if len(r.byName) >= r.maxSize {
		return newErr("registry_bind", KindNoResource)
	}
	r.byName[code] = ObjectInfo{Name: strings.ToUpper(name), Kind: kind, Idx: idx}
	return nil
}

// Unbind removes name from the registry. A no-op if name is not bound.
func (r *Registry) Unbind(name string) {
	code, err := encodeName(name)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, code)
}

// UnbindIdx removes every entry of the given kind bound to idx, regardless
// of name. Used when an object is deleted by handle rather than by name.
// kind must match exactly: arena indices are scoped per object family (a
// task, a counting semaphore, and a resource semaphore can all legitimately
// share the same Idx), so matching on Idx alone would unbind an unrelated
// live object that happens to occupy the same slot in a different arena.
func (r *Registry) UnbindIdx(kind string, idx Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, info := range r.byName {
		if info.Kind == kind && info.Idx == idx {
			delete(r.byName, code)
		}
	}
}

// Lookup resolves name to its ObjectInfo.
func (r *Registry) Lookup(name string) (ObjectInfo, bool) {
	code, err := encodeName(name)
	if err != nil {
		return ObjectInfo{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[code]
	return info, ok
}

// List returns every registered object, sorted by name, for introspection
// tooling (spec.md's supplemented registry-listing feature).
func (r *Registry) List() []ObjectInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ObjectInfo, 0, len(r.byName))
	for _, info := range r.byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
