package errorhandler

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"yqhp/cycle-engine/internal/metrics"
	"yqhp/cycle-engine/pkg/logger"
)

// Handler 在分类结果之上执行规则要求的日志和计数
type Handler struct {
	classifier Classifier
	log        *zap.Logger
	reg        *metrics.Registry

	mu     sync.Mutex
	counts map[string]int64
}

// NewHandler 创建 Handler，reg 可以为 nil
func NewHandler(c Classifier, reg *metrics.Registry) *Handler {
	return &Handler{
		classifier: c,
		log:        logger.Named("errors"),
		reg:        reg,
		counts:     make(map[string]int64),
	}
}

// WithLogger 替换日志实例
func (h *Handler) WithLogger(l *zap.Logger) *Handler {
	h.log = l
	return h
}

// Handle 分类一次失败并执行附加动作
func (h *Handler) Handle(cycle int64, tries int, err error) ErrorDetail {
	d := h.classifier.Classify(err)
	if d.Name == "" {
		d.Name = ErrorName(err)
	}
	if d.Actions.Has(ActionWarn) {
		h.log.Warn("op failed",
			zap.Int64("cycle", cycle),
			zap.Int("tries", tries),
			zap.String("error_name", d.Name),
			zap.Int("code", d.ResultCode),
			zap.Bool("retryable", d.Retryable),
			zap.Error(err))
	}
	if d.Actions.Has(ActionCount) {
		h.mu.Lock()
		h.counts[d.Name]++
		h.mu.Unlock()
		if h.reg != nil {
			h.reg.Counter("errors_total", "classified op errors by error name", metrics.Labels{"error": d.Name}).Inc()
		}
	}
	return d
}

func (h *Handler) Classifier() Classifier {
	return h.classifier
}

// Counts 返回按错误名称统计的次数
func (h *Handler) Counts() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// Names 返回已计数的错误名称，按字母排序
func (h *Handler) Names() []string {
	counts := h.Counts()
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
