package printer

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix is the tail of the Bluetooth base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// genericAccessUUID is the GAP service, skipped by the second negotiation tier.
const genericAccessUUID = "1800"

// DefaultInfrastructureEndpoints lists the well-known services that never
// carry printer data: generic access, generic attribute, device information,
// battery and the Google fast pair service.
var DefaultInfrastructureEndpoints = []string{"1800", "1801", "180a", "180f", "fef3"}

// NormalizeUUID returns a canonical lower-case form of an endpoint or element
// identifier. UUIDs derived from the Bluetooth base UUID collapse to their
// 16-bit (or 32-bit) short form, so "0000180A-0000-1000-8000-00805F9B34FB"
// and "180A" both become "180a". Unparsable input is only lower-cased.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	if isShortUUID(s) {
		return strings.TrimPrefix(s, "0000")
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}

	str := u.String()
	if strings.HasSuffix(str, baseUUIDSuffix) {
		return strings.TrimPrefix(str[:8], "0000")
	}

	return str
}

func isShortUUID(s string) bool {
	if len(s) != 4 && len(s) != 8 {
		return false
	}
	_, err := hex.DecodeString(s)

	return err == nil
}

type uuidSet map[string]struct{}

func newUUIDSet(ids ...string) uuidSet {
	set := make(uuidSet, len(ids))
	for _, id := range ids {
		set[NormalizeUUID(id)] = struct{}{}
	}

	return set
}

func (s uuidSet) contains(id string) bool {
	_, ok := s[NormalizeUUID(id)]
	return ok
}
