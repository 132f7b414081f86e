package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QuestionNumber 结构化题号，2 为主题号，2.1 / 2.10 为子题号
// 小数点后的部分按整数保存，因此 2.10 的 Minor 为 10 而不是 1
type QuestionNumber struct {
	Major int
	Minor *int
}

func NewQuestionNumber(major int, minor ...int) QuestionNumber {
	n := QuestionNumber{Major: major}
	if len(minor) > 0 {
		m := minor[0]
		n.Minor = &m
	}
	return n
}

// ParseQuestionNumber 解析 "2"、"2.1"、"2.10" 形式的题号
func ParseQuestionNumber(s string) (QuestionNumber, error) {
	s = strings.TrimSpace(s)
	majorPart, minorPart, dotted := strings.Cut(s, ".")
	if !isDigits(majorPart) || (dotted && !isDigits(minorPart)) {
		return QuestionNumber{}, fmt.Errorf("invalid question number %q", s)
	}

	major, err := strconv.Atoi(majorPart)
	if err != nil {
		return QuestionNumber{}, fmt.Errorf("invalid question number %q: %w", s, err)
	}
	n := QuestionNumber{Major: major}
	if dotted {
		minor, err := strconv.Atoi(minorPart)
		if err != nil {
			return QuestionNumber{}, fmt.Errorf("invalid question number %q: %w", s, err)
		}
		n.Minor = &minor
	}
	return n, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsItem 带小数部分的题号属于复合题的子题
func (n QuestionNumber) IsItem() bool {
	return n.Minor != nil
}

func (n QuestionNumber) String() string {
	if n.Minor == nil {
		return strconv.Itoa(n.Major)
	}
	return strconv.Itoa(n.Major) + "." + strconv.Itoa(*n.Minor)
}

// MarshalJSON 输出为 JSON 数字字面量，如 2 或 2.10
func (n QuestionNumber) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalJSON 同时接受数字和字符串
func (n *QuestionNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}

	parsed, err := ParseQuestionNumber(text)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// CompareQuestionNumbers 先比主题号再比子题号，无子题号排在前，nil 排在最后
func CompareQuestionNumbers(a, b *QuestionNumber) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if a.Major != b.Major {
		if a.Major < b.Major {
			return -1
		}
		return 1
	}
	switch {
	case a.Minor == nil && b.Minor == nil:
		return 0
	case a.Minor == nil:
		return -1
	case b.Minor == nil:
		return 1
	case *a.Minor < *b.Minor:
		return -1
	case *a.Minor > *b.Minor:
		return 1
	}
	return 0
}
