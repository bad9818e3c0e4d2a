package names

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Agent names are a color/adjective followed by a landscape noun, in
// CamelCase: GreenCastle, BlueLake.
var (
	adjectives = []string{
		"Red", "Orange", "Pink", "Black", "Purple", "Blue", "Brown",
		"White", "Green", "Chartreuse", "Lilac", "Fuchsia", "Amber",
		"Silver", "Golden", "Crimson", "Scarlet", "Azure", "Teal",
		"Indigo", "Violet", "Copper", "Ivory", "Jade", "Olive",
		"Coral", "Cobalt", "Rusty", "Misty", "Quiet", "Swift", "Bold",
	}

	nouns = []string{
		"Stone", "Lake", "Dog", "Creek", "Pond", "Cat", "Bear",
		"Mountain", "Hill", "Snow", "Castle", "River", "Forest",
		"Valley", "Meadow", "Canyon", "Harbor", "Island", "Ridge",
		"Glacier", "Prairie", "Desert", "Cliff", "Bay", "Grove",
		"Marsh", "Peak", "Reef", "Tower", "Bridge", "Field", "Spring",
	}
)

// Generate returns a random adjective+noun name.
func Generate() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	return adjectives[rng.Intn(len(adjectives))] + nouns[rng.Intn(len(nouns))]
}

// GenerateUnique returns a name for which taken reports false. After
// attempts random tries it falls back to numbered suffixes.
func GenerateUnique(taken func(string) bool, attempts int) string {
	for i := 0; i < attempts; i++ {
		name := Generate()
		if !taken(name) {
			return name
		}
	}
	base := Generate()
	for n := 2; ; n++ {
		name := fmt.Sprintf("%s%d", base, n)
		if !taken(name) {
			return name
		}
	}
}
