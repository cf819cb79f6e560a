package pseudonym

import "hash/fnv"

// Fallback vocabulary for locally generated pseudonyms. Generation is
// deterministic per (group, user) so every surface on this device shows the
// same name until the backend reconciles it.
var adjectives = []string{
	"Amber", "Brisk", "Cobalt", "Dapper", "Eager", "Fabled", "Gentle",
	"Hollow", "Ivory", "Jolly", "Keen", "Lunar", "Mellow", "Nimble",
	"Opal", "Plucky", "Quiet", "Rustic", "Silent", "Tidal", "Umber",
	"Velvet", "Wistful", "Zesty",
}

var nouns = []string{
	"Badger", "Crane", "Dolphin", "Ermine", "Falcon", "Gecko", "Heron",
	"Ibis", "Jackal", "Kestrel", "Lynx", "Marmot", "Newt", "Otter",
	"Puffin", "Quail", "Raven", "Sparrow", "Tapir", "Urchin", "Vole",
	"Walrus", "Wren", "Yak",
}

// generate derives a pseudonym from the (group, user) pair.
func generate(groupID, userID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(groupID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(userID))
	sum := h.Sum64()

	adj := adjectives[sum%uint64(len(adjectives))]
	noun := nouns[(sum/uint64(len(adjectives)))%uint64(len(nouns))]
	return adj + " " + noun
}
