package collab

import (
	"workspace-collab/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口
// Apply 要么完整应用，要么返回错误且内容不变。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

// NewBuffer 是 Store 默认使用的缓冲区构造函数
var NewBuffer = func(initial string) Buffer { return NewPieceTable(initial) }

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空 (`""`)
- piece 表：


[ (orig, offset=0, length=11) ]  // 整个文档


在位置 5 插入 `" collaborative"`：
- 在 **add buffer** 末尾追加 `" collaborative"`：
  - add buffer = `" collaborative"`
- piece 表从一条拆成三条：


[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=13),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
