package models

import (
	"fmt"
	"strings"
)

// Priority 优先级类别
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight 优先级对应的数值权重，出队时按权重从高到低
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return -1
	default:
		return 0
	}
}

// ParsePriority 解析优先级，空字符串视为 normal
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}
