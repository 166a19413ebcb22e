package canonical

import (
	"strconv"

	"github.com/google/uuid"
)

// hashSeed is the multiplicative hash starting value (djb2).
const hashSeed uint32 = 5381

// Fingerprint returns a short deterministic digest of the canonical
// serialization of v, rendered in base 36. Equal fingerprints are necessary
// but not sufficient for structural equality; use Equal whenever a collision
// would cause a visible correctness bug.
//
// Values that cannot be serialized get a random placeholder so callers never
// accidentally treat two unserializable values as equal.
func Fingerprint(v any) string {
	data, err := Marshal(v)
	if err != nil {
		return "!" + uuid.NewString()
	}
	return FingerprintBytes(data)
}

// FingerprintBytes digests pre-serialized canonical bytes.
func FingerprintBytes(data []byte) string {
	h := hashSeed
	for _, b := range data {
		h = h*33 + uint32(b)
	}
	return strconv.FormatUint(uint64(h), 36)
}

// Combine folds item fingerprints into one order-sensitive digest. Reordering
// the inputs yields a different result.
func Combine(fingerprints []string) string {
	h := hashSeed
	for _, fp := range fingerprints {
		for i := 0; i < len(fp); i++ {
			h = h*33 + uint32(fp[i])
		}
		h = h*33 + uint32('|')
	}
	return strconv.FormatUint(uint64(h), 36)
}
