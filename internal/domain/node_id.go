package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const BroadcastNodeNum = ^uint32(0)

// NormalizeNodeID trims and rejects placeholder/unknown node ids.
func NormalizeNodeID(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "unknown") || v == "!ffffffff" {
		return ""
	}

	return v
}

// FormatNodeID renders a node number in canonical "!1234abcd" form.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID accepts "!1234abcd" or bare hex and returns the node number.
func ParseNodeID(nodeID string) (uint32, error) {
	v := strings.TrimPrefix(strings.TrimSpace(nodeID), "!")
	if v == "" {
		return 0, fmt.Errorf("empty node id")
	}
	num, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", nodeID, err)
	}

	return uint32(num), nil
}
