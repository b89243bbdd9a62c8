package delta

import (
	"errors"
	"strings"

	"golang.org/x/xerrors"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 是顺序形式的一步：retain/delete 走过 Count 个字符，insert 在当前游标处写入 Text。
type Op struct {
	Kind  Kind   `json:"kind"`
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var ErrOutOfBounds = errors.New("delta out of bounds")

// Len 返回 op 覆盖的长度：insert 按写入的 rune 数，其余按 Count。
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return len([]rune(op.Text))
	}
	return op.Count
}

// Push 追加一步，同类相邻时合并；零长度的步骤直接丢弃。
func (d Delta) Push(op Op) Delta {
	if op.Len() == 0 {
		return d
	}
	if n := len(d); n > 0 && d[n-1].Kind == op.Kind {
		last := &d[n-1]
		if op.Kind == KindInsert {
			last.Text += op.Text
		} else {
			last.Count += op.Count
		}
		return d
	}
	return append(d, op)
}

// TrimRetain 去掉末尾的 retain（末尾 retain 等价于“其余不变”）。
func (d Delta) TrimRetain() Delta {
	for len(d) > 0 && d[len(d)-1].Kind == KindRetain {
		d = d[:len(d)-1]
	}
	return d
}

// BaseLen 返回 delta 至少需要的原文长度。
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// Apply 把 d 应用到 s 上，越界时返回错误且不产生部分结果。
func Apply(s string, d Delta) (string, error) {
	src := []rune(s)
	if d.BaseLen() > len(src) {
		return "", xerrors.Errorf("needs %d chars, have %d: %w", d.BaseLen(), len(src), ErrOutOfBounds)
	}
	var b strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			b.WriteString(string(src[pos : pos+op.Count]))
			pos += op.Count
		case KindInsert:
			b.WriteString(op.Text)
		case KindDelete:
			pos += op.Count
		default:
			return "", xerrors.Errorf("unknown delta kind %q", op.Kind)
		}
	}
	b.WriteString(string(src[pos:]))
	return b.String(), nil
}
