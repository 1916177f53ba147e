// Package http 提供基于 fasthttp 的请求操作。
//
// 模板参数:
//
//	url       请求地址，{cycle} 会被替换为 cycle 编号
//	method    请求方法，默认 GET
//	body      请求体，同样支持 {cycle}
//	timeout   单次请求超时，默认 30s
//	header.*  请求头，例如 header.Content-Type
//	ok_status 视为成功的最大状态码，默认 399
package http

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/valyala/fasthttp"

	"yqhp/cycle-engine/internal/metrics"
	"yqhp/cycle-engine/internal/ops"
)

const (
	// AdapterType 注册名
	AdapterType = "http"

	defaultTimeout = 30 * time.Second
	cyclePattern   = "{cycle}"
)

var (
	// 全局共享的客户端，所有 motor 共用连接池
	sharedClient     *fasthttp.Client
	sharedClientOnce sync.Once
)

func client() *fasthttp.Client {
	sharedClientOnce.Do(func() {
		sharedClient = &fasthttp.Client{
			MaxConnsPerHost:        1000,
			MaxIdleConnDuration:    90 * time.Second,
			DisablePathNormalizing: true,
		}
	})
	return sharedClient
}

func init() {
	ops.Register(AdapterType, func(t ops.Template) (ops.Factory, error) {
		task, err := New(t)
		if err != nil {
			return nil, err
		}
		return task.Dispense, nil
	})
}

// StatusError 表示响应状态码超出成功范围，错误名称为 Status<code>，便于按状态码写错误规则
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.Code, fasthttp.StatusMessage(e.Code))
}

func (e *StatusError) ErrorName() string { return "Status" + strconv.Itoa(e.Code) }

// TimeoutError 请求超时，错误名称为 Timeout
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) ErrorName() string { return "Timeout" }

// Response 是一次请求的结果
type Response struct {
	StatusCode int
	Body       []byte
}

// Value 返回 {"status": code, "body": 解析后的 JSON 或原始字符串}
func (r *Response) Value() any {
	var body any = string(r.Body)
	if parsed, err := oj.Parse(r.Body); err == nil {
		body = parsed
	}
	return map[string]any{"status": int64(r.StatusCode), "body": body}
}

// Request 是解析后的模板
type Request struct {
	Method   string
	URL      string
	Body     string
	Headers  map[string]string
	Timeout  time.Duration
	OKStatus int
}

// Task 是一个 http 模板
type Task struct {
	name   string
	req    Request
	client *fasthttp.Client
	status *metrics.Histogram
}

// New 从模板创建 Task
func New(t ops.Template) (*Task, error) {
	req := Request{
		Method:  strings.ToUpper(t.Param("method", fasthttp.MethodGet)),
		URL:     t.Param("url", ""),
		Body:    t.Param("body", ""),
		Headers: make(map[string]string),
	}
	if req.URL == "" {
		return nil, errors.New("http op 需要 url 参数")
	}
	var err error
	if req.Timeout, err = t.DurationParam("timeout", defaultTimeout); err != nil {
		return nil, err
	}
	ok, err := t.IntParam("ok_status", 399)
	if err != nil {
		return nil, err
	}
	req.OKStatus = int(ok)
	for k, v := range t.Params {
		if name, found := strings.CutPrefix(k, "header."); found && name != "" {
			req.Headers[name] = v
		}
	}
	return &Task{
		name:   t.Name,
		req:    req,
		client: client(),
		status: metrics.NewHistogram(t.Name+"_statuscode", 1000),
	}, nil
}

func (h *Task) Request() Request { return h.req }

// StatusCodes 返回状态码分布
func (h *Task) StatusCodes() *metrics.Histogram { return h.status }

// Dispense 为 cycle 绑定 URL 和请求体
func (h *Task) Dispense(cycle int64) (ops.Op, error) {
	c := strconv.FormatInt(cycle, 10)
	url := strings.ReplaceAll(h.req.URL, cyclePattern, c)
	body := strings.ReplaceAll(h.req.Body, cyclePattern, c)

	return ops.CycleFunc(func(ctx context.Context, _ int64) (any, error) {
		return h.do(ctx, url, body)
	}, ops.WithResultSize(func(r any) int64 {
		if resp, ok := r.(*Response); ok {
			return int64(len(resp.Body))
		}
		return ops.UnknownResultSize
	})), nil
}

func (h *Task) do(ctx context.Context, url, body string) (*Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(h.req.Method)
	req.SetRequestURI(url)
	for k, v := range h.req.Headers {
		req.Header.Set(k, v)
	}
	if body != "" {
		req.SetBodyString(body)
	}

	deadline := time.Now().Add(h.req.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, &TimeoutError{URL: url, Timeout: h.req.Timeout}
		}
		return nil, fmt.Errorf("http request %s: %w", url, err)
	}

	code := resp.StatusCode()
	h.status.Record(int64(code))
	// resp.Body() 引用内部缓冲区，释放前复制
	out := &Response{StatusCode: code, Body: append([]byte(nil), resp.Body()...)}
	if code > h.req.OKStatus {
		return out, &StatusError{Code: code, URL: url}
	}
	return out, nil
}
