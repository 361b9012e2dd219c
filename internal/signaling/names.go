package signaling

import (
	"crypto/rand"
	"log"
	"math/big"
	"strings"
	"sync"
)

var adjectives = []string{
	"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
	"golden", "silver", "crimson", "emerald", "purple", "blue", "red", "green", "bright", "gentle",
	"brave", "calm", "swift", "silent", "noisy", "bouncy", "fuzzy", "plucky", "merry", "peppy",
}

var animals = []string{
	"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
	"chick", "duckling", "fawn", "foal", "lamb", "calf", "porcupine", "raccoon", "skunk", "mole",
	"mouse", "rat", "ferret", "weasel", "beaver", "seahorse", "starfish", "dolphin", "whale", "narwhal",
	"penguin", "flamingo", "pelican", "swallow", "sparrow", "robin", "toucan", "parrot", "canary", "cockatoo",
}

// DefaultNamePool returns every "Adjective Animal" combination of the word lists.
func DefaultNamePool() []string {
	pool := make([]string, 0, len(adjectives)*len(animals))
	for _, adj := range adjectives {
		for _, animal := range animals {
			pool = append(pool, capitalize(adj)+" "+capitalize(animal))
		}
	}
	return pool
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panic("Failed to generate random index:", err)
	}
	return int(n.Int64())
}

// NameAllocator hands out display names from a fixed pool so that no two
// registered devices share a name.
type NameAllocator struct {
	mu       sync.Mutex
	pool     []string
	assigned map[string]string // device id -> name
	inUse    map[string]string // name -> device id

	// maxDraws bounds the random draws before falling back to a scan.
	maxDraws int
	randIdx  func(n int) int
}

// NewNameAllocator creates an allocator over pool. Duplicate entries are ignored.
func NewNameAllocator(pool []string) *NameAllocator {
	seen := make(map[string]struct{}, len(pool))
	uniq := make([]string, 0, len(pool))
	for _, name := range pool {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		uniq = append(uniq, name)
	}
	return &NameAllocator{
		pool:     uniq,
		assigned: make(map[string]string),
		inUse:    make(map[string]string),
		maxDraws: 32,
		randIdx:  randomIndex,
	}
}

// Allocate returns the name assigned to deviceID, drawing a free one at
// random if it has none yet.
func (a *NameAllocator) Allocate(deviceID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if name, ok := a.assigned[deviceID]; ok {
		return name, nil
	}
	if len(a.inUse) >= len(a.pool) {
		return "", ErrPoolExhausted
	}

	name := ""
	for i := 0; i < a.maxDraws; i++ {
		candidate := a.pool[a.randIdx(len(a.pool))]
		if _, taken := a.inUse[candidate]; !taken {
			name = candidate
			break
		}
	}
	if name == "" {
		// Crowded pool: walk from a random offset so a free name is always found.
		start := a.randIdx(len(a.pool))
		for i := range a.pool {
			candidate := a.pool[(start+i)%len(a.pool)]
			if _, taken := a.inUse[candidate]; !taken {
				name = candidate
				break
			}
		}
	}
	if name == "" {
		return "", ErrPoolExhausted
	}

	a.assigned[deviceID] = name
	a.inUse[name] = deviceID
	return name, nil
}

// Release returns the name of deviceID to the pool. It is a no-op for unknown ids.
func (a *NameAllocator) Release(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name, ok := a.assigned[deviceID]
	if !ok {
		return
	}
	delete(a.assigned, deviceID)
	delete(a.inUse, name)
}

// NameOf returns the name currently assigned to deviceID.
func (a *NameAllocator) NameOf(deviceID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.assigned[deviceID]
	return name, ok
}

// Available reports how many names are free.
func (a *NameAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pool) - len(a.inUse)
}
