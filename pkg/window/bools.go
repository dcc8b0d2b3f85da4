// Package window 固定长度的布尔滑动窗口，用于 "最近 N 次条件是否都成立" 这类确认逻辑
package window

// Bools 环形缓冲区，只保留最近 Cap 个值
type Bools struct {
	buf   []bool
	head  int // 下一个写入位置
	size  int
	count int // 窗口内 true 的数量
}

func NewBools(capacity int) *Bools {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bools{buf: make([]bool, capacity)}
}

// Push 写入一个值，窗口满时覆盖最旧的
func (w *Bools) Push(v bool) {
	if w.size == len(w.buf) {
		if w.buf[w.head] {
			w.count--
		}
	} else {
		w.size++
	}
	w.buf[w.head] = v
	if v {
		w.count++
	}
	w.head = (w.head + 1) % len(w.buf)
}

func (w *Bools) Cap() int { return len(w.buf) }

func (w *Bools) Len() int { return w.size }

func (w *Bools) Count() int { return w.count }

// All 窗口已满且全部为 true
func (w *Bools) All() bool {
	return w.size == len(w.buf) && w.count == w.size
}

func (w *Bools) Any() bool { return w.count > 0 }

// Last 最近写入的值
func (w *Bools) Last() (bool, bool) {
	if w.size == 0 {
		return false, false
	}
	idx := (w.head - 1 + len(w.buf)) % len(w.buf)
	return w.buf[idx], true
}

// Values 从旧到新
func (w *Bools) Values() []bool {
	out := make([]bool, 0, w.size)
	start := (w.head - w.size + len(w.buf)) % len(w.buf)
	for i := 0; i < w.size; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

func (w *Bools) Reset() {
	for i := range w.buf {
		w.buf[i] = false
	}
	w.head, w.size, w.count = 0, 0, 0
}
