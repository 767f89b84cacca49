package coe

import (
	"fmt"
	"strconv"
	"strings"
)

// Address locates a value in a unit's object dictionary.
type Address struct {
	Index    uint16
	SubIndex uint8
}

// At builds an Address.
func At(index uint16, subIndex uint8) Address {
	return Address{Index: index, SubIndex: subIndex}
}

func (a Address) String() string {
	return fmt.Sprintf("0x%04X:%02X", a.Index, a.SubIndex)
}

// ParseAddress accepts "0x6040:00", "6040:0" or "0x6040" (sub-index 0).
// Both parts are hexadecimal.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	indexPart, subPart, hasSub := strings.Cut(s, ":")

	index, err := parseHex(indexPart, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid object index %q: %w", indexPart, err)
	}

	var sub uint64
	if hasSub {
		sub, err = parseHex(subPart, 8)
		if err != nil {
			return Address{}, fmt.Errorf("invalid sub-index %q: %w", subPart, err)
		}
	}

	return Address{Index: uint16(index), SubIndex: uint8(sub)}, nil
}

func parseHex(s string, bits int) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseUint(s, 16, bits)
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
