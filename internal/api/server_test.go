package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"EffiSend-Agent/internal/account"
	"EffiSend-Agent/internal/agent"
	"EffiSend-Agent/internal/auth"
	xerrors "EffiSend-Agent/internal/errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"
)

type stubChat struct {
	req agent.Request
	res *agent.Result
}

func (s *stubChat) Run(_ context.Context, req agent.Request) *agent.Result {
	s.req = req
	return s.res
}

type stubAccounts struct {
	calls []string
	err   error
}

func (s *stubAccounts) FindOrCreate(_ context.Context, userID string) (*account.Account, error) {
	s.calls = append(s.calls, userID)
	if s.err != nil {
		return nil, s.err
	}
	return &account.Account{UserID: userID, Address: "0xAcc", CLABE: "710969000000000003", RCLABE: "646180000000000001"}, nil
}

func newTestServer(t *testing.T, chat Chatter, accounts Accounts) http.Handler {
	t.Helper()
	guard, err := auth.NewAPIKeyGuard("key")
	require.NoError(t, err)
	return NewServer(":0", chat, accounts, guard).Handler()
}

func do(h http.Handler, method, path, body string, withKey bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if withKey {
		req.Header.Set(auth.HeaderAPIKey, "key")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRootIsPublic(t *testing.T) {
	rec := do(newTestServer(t, nil, nil), http.MethodGet, "/", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","message":"DeSmond API is running."}`, rec.Body.String())
}

func TestChatRequiresAPIKey(t *testing.T) {
	chat := &stubChat{res: &agent.Result{Status: "ok"}}
	rec := do(newTestServer(t, chat, nil), http.MethodPost, "/api/chat", `{"message":"hi"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), auth.UnauthorizedMessage)
	require.Empty(t, chat.req.Message)
}

func TestChatBindsResolvedAccount(t *testing.T) {
	chat := &stubChat{res: &agent.Result{Status: "ok", Message: "done", LastTool: "get_balance", ThreadID: "t1"}}
	accounts := &stubAccounts{}
	rec := do(newTestServer(t, chat, accounts), http.MethodPost, "/api/chat",
		`{"message":"balance?","context":{"user":"alice","address":"0xForged"}}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	var body ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, ChatResponse{Status: "ok", Message: "done", LastTool: "get_balance", ThreadID: "t1"}, body)
	require.Equal(t, []string{"alice"}, accounts.calls)
	require.Equal(t, agent.Caller{UserID: "alice", Address: "0xAcc"}, chat.req.Caller)
}

func TestChatLogicalFailuresReturn200(t *testing.T) {
	h := newTestServer(t, &stubChat{}, &stubAccounts{err: xerrors.New(xerrors.CodeUpstreamUnavailable, "bank down")})

	rec := do(h, http.MethodPost, "/api/chat", `{"message":"  "}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"error":"INVALID_ARGUMENT"`)

	rec = do(h, http.MethodPost, "/api/chat", `{"message":"hi","context":{"user":"bob"}}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"error":"UPSTREAM_UNAVAILABLE"`)

	rec = do(h, http.MethodPost, "/api/chat", `not json`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"error"`)
}

func TestAccountsEndpoint(t *testing.T) {
	accounts := &stubAccounts{}
	rec := do(newTestServer(t, nil, accounts), http.MethodPost, "/api/v1/accounts", `{"user":"alice"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Error  *string           `json:"error"`
		Result map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Nil(t, body.Error)
	require.Equal(t, "alice", body.Result["user"])
	require.Equal(t, "0xAcc", body.Result["address"])
	require.Equal(t, "710969000000000003", body.Result["clabe"])

	accounts.err = xerrors.New(xerrors.CodeBadUser, "user 不能为空")
	rec = do(newTestServer(t, nil, accounts), http.MethodPost, "/api/v1/accounts", `{"user":""}`, true)
	require.JSONEq(t, `{"error":"BAD_USER","result":null}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil, nil)
	_ = do(h, http.MethodGet, "/", "", false)
	rec := do(h, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "effisend_http_requests_total")
}

func TestLambdaHandler(t *testing.T) {
	chat := &stubChat{res: &agent.Result{Status: "ok", Message: "hola"}}
	fn := LambdaHandler(newTestServer(t, chat, nil))

	res, err := fn(context.Background(), events.APIGatewayV2HTTPRequest{
		RawPath: "/api/chat",
		Headers: map[string]string{"x-api-key": "key", "content-type": "application/json"},
		Body:    `{"message":"hi"}`,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: http.MethodPost},
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Body, `"message":"hola"`)
	require.Equal(t, "application/json", res.Headers["Content-Type"])

	res, err = fn(context.Background(), events.APIGatewayV2HTTPRequest{
		RawPath:        "/api/chat",
		RequestContext: events.APIGatewayV2HTTPRequestContext{HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: http.MethodPost}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
