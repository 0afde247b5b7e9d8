package region

import "github.com/google/uuid"

// nameAlphabet is the 64-symbol alphabet region identifiers are encoded
// through (§6): 62 alphanumerics plus '+' and '_', avoiding '/' so the
// name is also a safe /dev/shm path component.
const nameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+_"

// DefaultTag is the region name's fixed per-deployment prefix (§6).
const DefaultTag = "shm-"

// maxNameLen bounds the identifier portion after the tag (§6: "a
// <=14-character identifier").
const maxNameLen = 14

// NewName generates a fresh, collision-resistant region name: tag
// followed by up to maxNameLen characters encoded from a uuid.New()'s 16
// bytes of entropy through nameAlphabet. An empty tag falls back to
// DefaultTag.
func NewName(tag string) string {
	if tag == "" {
		tag = DefaultTag
	}
	id := uuid.New()
	b := make([]byte, maxNameLen)
	for i := range b {
		b[i] = nameAlphabet[id[i%len(id)]%byte(len(nameAlphabet))]
		id[i%len(id)] ^= id[(i+1)%len(id)]
	}
	return tag + string(b)
}
