package uniqueid

import (
	"fmt"
	"strconv"
	"strings"
)

// NameGenerator produces machine names "{basename}{seq}" with a fixed
// zero-padded width.
type NameGenerator struct {
	alloc *Allocator
}

func NewNameGenerator(alloc *Allocator) *NameGenerator {
	return &NameGenerator{alloc: alloc}
}

// Get allocates the next name of the given digit width.
func (g *NameGenerator) Get(basename string, length int) (string, error) {
	if length < 1 {
		length = 1
	}
	var max int64 = 1
	for i := 0; i < length; i++ {
		max *= 10
	}
	seq, err := g.alloc.Allocate(basename, 0, max-1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", basename, length, seq), nil
}

// Free releases a previously generated name.
func (g *NameGenerator) Free(basename, name string) error {
	seq, err := strconv.ParseInt(strings.TrimPrefix(name, basename), 10, 64)
	if err != nil {
		return fmt.Errorf("name %q does not match basename %q: %w", name, basename, err)
	}
	return g.alloc.Free(basename, seq)
}

// GIDGenerator produces 8-digit zero-padded decimal group ids under a
// shared basename.
type GIDGenerator struct {
	alloc *Allocator
}

func NewGIDGenerator(alloc *Allocator) *GIDGenerator {
	return &GIDGenerator{alloc: alloc}
}

func (g *GIDGenerator) Get() (string, error) {
	seq, err := g.alloc.Allocate("uds-gid", 0, 99999999)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", seq), nil
}

func (g *GIDGenerator) Free(gid string) error {
	seq, err := strconv.ParseInt(gid, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", gid, err)
	}
	return g.alloc.Free("uds-gid", seq)
}

// MACGenerator maps sequence numbers onto a MAC address range given as
// "52:54:00:00:00:00-52:54:00:FF:FF:FF".
type MACGenerator struct {
	alloc *Allocator
}

func NewMACGenerator(alloc *Allocator) *MACGenerator {
	return &MACGenerator{alloc: alloc}
}

func macToInt(mac string) (int64, error) {
	hex := strings.ReplaceAll(strings.TrimSpace(mac), ":", "")
	if len(hex) != 12 {
		return 0, fmt.Errorf("invalid mac %q", mac)
	}
	return strconv.ParseInt(hex, 16, 64)
}

func intToMAC(n int64) string {
	hex := fmt.Sprintf("%012X", n)
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = hex[i*2 : i*2+2]
	}
	return strings.Join(parts, ":")
}

// Get allocates the next MAC within macRange. The range string is also
// the allocation basename, so distinct ranges never collide.
func (g *MACGenerator) Get(macRange string) (string, error) {
	first, last, err := parseMACRange(macRange)
	if err != nil {
		return "", err
	}
	seq, err := g.alloc.Allocate(macRange, first, last)
	if err != nil {
		return "", err
	}
	return intToMAC(seq), nil
}

// Free releases a MAC back into its range.
func (g *MACGenerator) Free(macRange, mac string) error {
	seq, err := macToInt(mac)
	if err != nil {
		return err
	}
	return g.alloc.Free(macRange, seq)
}

func parseMACRange(macRange string) (int64, int64, error) {
	parts := strings.SplitN(macRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid mac range %q", macRange)
	}
	first, err := macToInt(parts[0])
	if err != nil {
		return 0, 0, err
	}
	last, err := macToInt(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if first > last {
		return 0, 0, fmt.Errorf("inverted mac range %q", macRange)
	}
	return first, last, nil
}
