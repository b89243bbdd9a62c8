package delta

// iterator 按长度切分地遍历 delta，零长度的步骤在构造时被跳过。
type iterator struct {
	ops    Delta
	idx    int
	offset int
}

func newIterator(d Delta) *iterator {
	ops := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Len() > 0 {
			ops = append(ops, op)
		}
	}
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool { return it.idx < len(it.ops) }

func (it *iterator) peekKind() Kind { return it.ops[it.idx].Kind }

func (it *iterator) peekLen() int { return it.ops[it.idx].Len() - it.offset }

// next 取出最多 n 个字符长度的一段；n < 0 表示取完当前步骤。
func (it *iterator) next(n int) Op {
	op := it.ops[it.idx]
	remain := op.Len() - it.offset
	if n < 0 || n >= remain {
		n = remain
	}
	out := Op{Kind: op.Kind}
	if op.Kind == KindInsert {
		r := []rune(op.Text)
		out.Text = string(r[it.offset : it.offset+n])
	} else {
		out.Count = n
	}
	it.offset += n
	if it.offset == op.Len() {
		it.idx++
		it.offset = 0
	}
	return out
}

// Compose 合并先后两个 delta：结果作用在 a 的原文上，效果等于先 a 后 b。
// 不要求知道文档长度：任一方耗尽后视为对剩余部分 retain。
func Compose(a, b Delta) Delta {
	ia, ib := newIterator(a), newIterator(b)
	var out Delta
	for ia.hasNext() || ib.hasNext() {
		if ia.hasNext() && ia.peekKind() == KindDelete {
			out = out.Push(ia.next(-1))
			continue
		}
		if ib.hasNext() && ib.peekKind() == KindInsert {
			out = out.Push(ib.next(-1))
			continue
		}
		if !ib.hasNext() {
			out = out.Push(ia.next(-1))
			continue
		}
		if !ia.hasNext() {
			out = out.Push(ib.next(-1))
			continue
		}

		n := min(ia.peekLen(), ib.peekLen())
		opA, opB := ia.next(n), ib.next(n)
		switch opB.Kind {
		case KindRetain:
			out = out.Push(opA)
		case KindDelete:
			// a 插入的内容被 b 删掉：两者抵消
			if opA.Kind == KindRetain {
				out = out.Push(opB)
			}
		}
	}
	return out.TrimRetain()
}
