package http

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"yqhp/cycle-engine/internal/errorhandler"
	"yqhp/cycle-engine/internal/ops"
	"yqhp/cycle-engine/internal/verify"
)

// newServer 启动内存中的 HTTP 服务，/fail/* 返回 503，其余回显路径与请求体
func newServer(t *testing.T) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if len(path) >= 5 && path[:5] == "/fail" {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"path":"` + path + `","body":"` + string(ctx.PostBody()) + `","auth":"` + string(ctx.Request.Header.Peek("X-Token")) + `"}`)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func newTask(t *testing.T, params map[string]string) *Task {
	t.Helper()
	task, err := New(ops.Template{Name: "web", Type: AdapterType, Params: params})
	require.NoError(t, err)
	task.client = newServer(t)
	return task
}

func TestRequiresURL(t *testing.T) {
	_, err := New(ops.Template{Name: "web", Type: AdapterType})
	assert.Error(t, err)
	_, err = New(ops.Template{Name: "web", Params: map[string]string{"url": "http://x", "timeout": "never"}})
	assert.Error(t, err)
}

func TestParsesTemplate(t *testing.T) {
	task, err := New(ops.Template{Name: "web", Params: map[string]string{
		"url": "http://svc/items/{cycle}", "method": "post", "header.X-Token": "abc", "timeout": "250",
	}})
	require.NoError(t, err)
	req := task.Request()
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, map[string]string{"X-Token": "abc"}, req.Headers)
	assert.Equal(t, int64(250), req.Timeout.Milliseconds())
	assert.Equal(t, 399, req.OKStatus)
}

func TestRequestSubstitutesCycle(t *testing.T) {
	task := newTask(t, map[string]string{
		"url": "http://svc/items/{cycle}", "method": "POST", "body": "n={cycle}", "header.X-Token": "abc",
	})

	op, err := task.Dispense(42)
	require.NoError(t, err)
	res, err := op.Execute(context.Background(), ops.Input{Cycle: 42})
	require.NoError(t, err)

	resp := res.(*Response)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/items/42","body":"n=42","auth":"abc"}`, string(resp.Body))
	assert.Equal(t, int64(len(resp.Body)), op.ResultSize())
	assert.Equal(t, int64(1), task.StatusCodes().Snapshot().Count)
}

func TestStatusErrorName(t *testing.T) {
	task := newTask(t, map[string]string{"url": "http://svc/fail/{cycle}"})

	op, err := task.Dispense(1)
	require.NoError(t, err)
	_, err = op.Execute(context.Background(), ops.Input{Cycle: 1})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Code)
	assert.Equal(t, "Status503", errorhandler.ErrorName(err))

	c := errorhandler.MustParseSpec("Status5..:retry,code=50;.*:stop")
	d := c.Classify(err)
	assert.True(t, d.Retryable)
	assert.Equal(t, 50, d.ResultCode)
}

func TestResponseVerifiable(t *testing.T) {
	task := newTask(t, map[string]string{"url": "http://svc/ok"})
	op, err := task.Dispense(0)
	require.NoError(t, err)
	res, err := op.Execute(context.Background(), ops.Input{})
	require.NoError(t, err)

	byPath, err := verify.Compile(`jsonpath:$.body.path`)
	require.NoError(t, err)
	ok, err := byPath(0, res)
	require.NoError(t, err)
	assert.True(t, ok)

	byStatus, err := verify.Compile(`js:result.status === 200`)
	require.NoError(t, err)
	ok, err = byStatus(0, res)
	require.NoError(t, err)
	assert.True(t, ok)
}
