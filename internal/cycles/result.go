package cycles

// Result 是一个 cycle 的最终结果码
type Result struct {
	Cycle int64 `json:"cycle"`
	Code  int   `json:"code"`
}

// ResultBuffer 按 cycle 顺序收集一个 segment 的结果
type ResultBuffer struct {
	results []Result
}

func NewResultBuffer(capacity int) *ResultBuffer {
	return &ResultBuffer{results: make([]Result, 0, capacity)}
}

func (b *ResultBuffer) Append(cycle int64, code int) {
	b.results = append(b.results, Result{Cycle: cycle, Code: code})
}

// Results 返回已收集的结果，调用方不应修改
func (b *ResultBuffer) Results() []Result {
	return b.results
}

func (b *ResultBuffer) Len() int {
	return len(b.results)
}

// Reset 清空并复用底层数组
func (b *ResultBuffer) Reset() {
	b.results = b.results[:0]
}
