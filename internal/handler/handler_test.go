package handler

import (
	"better-dev-go/internal/model"
	"better-dev-go/internal/service"
	"better-dev-go/pkg/token"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUsers struct {
	revoked map[string]bool
}

func (f *fakeUsers) Register(context.Context, string, string) (*model.User, error) {
	return nil, nil
}
func (f *fakeUsers) Login(context.Context, string, string) (string, string, error) {
	return "", "", nil
}
func (f *fakeUsers) GetProfile(_ context.Context, username string) (*model.User, error) {
	if username != "alice" {
		return nil, fmt.Errorf("%w: no such user", service.ErrNotFound)
	}
	return &model.User{ID: 1, Username: "alice"}, nil
}
func (f *fakeUsers) Logout(context.Context, string) error { return nil }
func (f *fakeUsers) IsRevoked(_ context.Context, tok string) (bool, error) {
	return f.revoked[tok], nil
}
func (f *fakeUsers) RefreshToken(context.Context, string) (string, string, error) {
	return "", "", nil
}

// fakeChat 输出两个分片；block 为 true 时随后一直等到被取消。
type fakeChat struct {
	block bool
	reqs  chan service.TurnRequest
}

func (f *fakeChat) HandleTurn(ctx context.Context, req service.TurnRequest, sink service.StreamSink) error {
	f.reqs <- req
	if req.ConversationID == "missing" {
		err := fmt.Errorf("%w: conversation", service.ErrNotFound)
		sink.OnError(err)
		return err
	}
	_ = sink.OnChunk("Hel")
	_ = sink.OnChunk("lo")
	if f.block {
		<-ctx.Done()
		sink.OnComplete(&service.TurnResult{Text: "Hello", Metadata: model.GenerationMetadata{Cancelled: true}})
		return nil
	}
	sink.OnComplete(&service.TurnResult{MessageID: "m1", Text: "Hello", Metadata: model.GenerationMetadata{EffectiveMode: "fast"}})
	return nil
}

type chatServer struct {
	srv  *httptest.Server
	jwt  *token.JWTManager
	chat *fakeChat
	user *fakeUsers
}

func newChatServer(t *testing.T, block bool) *chatServer {
	t.Helper()
	cs := &chatServer{
		jwt:  token.NewJWTManager("test-secret", 1, 7),
		chat: &fakeChat{block: block, reqs: make(chan service.TurnRequest, 4)},
		user: &fakeUsers{revoked: map[string]bool{}},
	}
	r := gin.New()
	r.GET("/chat/:token", NewChatHandler(cs.chat, cs.user, cs.jwt).Handle)
	cs.srv = httptest.NewServer(r)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *chatServer) dial(t *testing.T, tok string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(cs.srv.URL, "http") + "/chat/" + tok
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func turnFrame(conversationID string) map[string]interface{} {
	return map[string]interface{}{
		"conversationId": conversationID,
		"mode":           "fast",
		"messages":       []map[string]interface{}{{"role": "user", "content": "hello"}},
	}
}

func TestChatStreamsChunksThenCompletion(t *testing.T) {
	cs := newChatServer(t, false)
	tok, err := cs.jwt.GenerateToken(1, "alice", "USER")
	require.NoError(t, err)

	conn, _, err := cs.dial(t, tok)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(turnFrame("c1")))

	assert.Equal(t, map[string]interface{}{"type": "chunk", "chunk": "Hel"}, readEvent(t, conn))
	assert.Equal(t, map[string]interface{}{"type": "chunk", "chunk": "lo"}, readEvent(t, conn))
	done := readEvent(t, conn)
	assert.Equal(t, "completion", done["type"])
	assert.Equal(t, "finished", done["status"])
	assert.Equal(t, "m1", done["messageId"])

	req := <-cs.chat.reqs
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, uint(1), req.CallerID)
	require.NotNil(t, req.Mode)
	assert.Equal(t, "fast", *req.Mode)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
}

func TestChatStopCancelsTurn(t *testing.T) {
	cs := newChatServer(t, true)
	tok, err := cs.jwt.GenerateToken(1, "alice", "USER")
	require.NoError(t, err)

	conn, _, err := cs.dial(t, tok)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(turnFrame("c1")))
	assert.Equal(t, "chunk", readEvent(t, conn)["type"])
	assert.Equal(t, "chunk", readEvent(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "stop"}))
	done := readEvent(t, conn)
	assert.Equal(t, "completion", done["type"])
	assert.Equal(t, "cancelled", done["status"])
}

func TestChatErrorEvent(t *testing.T) {
	cs := newChatServer(t, false)
	tok, err := cs.jwt.GenerateToken(1, "alice", "USER")
	require.NoError(t, err)

	conn, _, err := cs.dial(t, tok)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(turnFrame("missing")))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, float64(http.StatusNotFound), ev["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev = readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, float64(http.StatusBadRequest), ev["code"])
}

func TestChatRejectsBadTokens(t *testing.T) {
	cs := newChatServer(t, false)

	_, resp, err := cs.dial(t, "garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	refresh, err := cs.jwt.GenerateRefreshToken(1, "alice", "USER")
	require.NoError(t, err)
	_, resp, err = cs.dial(t, refresh)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	access, err := cs.jwt.GenerateToken(1, "alice", "USER")
	require.NoError(t, err)
	cs.user.revoked[access] = true
	_, resp, err = cs.dial(t, access)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fakeConversations struct {
	err error
}

func (f *fakeConversations) Create(_ context.Context, userID uint, _ service.CreateConversationRequest) (*model.Conversation, error) {
	return &model.Conversation{ID: "c-new", UserID: userID}, f.err
}
func (f *fakeConversations) List(context.Context, uint) ([]model.Conversation, error) {
	return []model.Conversation{{ID: "c1"}}, f.err
}
func (f *fakeConversations) Get(_ context.Context, _ uint, id string) (*service.ConversationDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.ConversationDetail{Conversation: &model.Conversation{ID: id}}, nil
}
func (f *fakeConversations) UpdateMode(context.Context, uint, string, *string) error { return f.err }
func (f *fakeConversations) UpdateSystemPrompt(context.Context, uint, string, *string) error {
	return f.err
}
func (f *fakeConversations) Delete(context.Context, uint, string) error { return f.err }

func conversationRouter(svc service.ConversationService) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("user", &model.User{ID: 1, Username: "alice"}) })
	h := NewConversationHandler(svc)
	r.POST("/conversations", h.Create)
	r.GET("/conversations/:id", h.Get)
	r.PATCH("/conversations/:id/mode", h.UpdateMode)
	return r
}

func TestConversationHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: gone", service.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: not yours", service.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: bad", service.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: db down", service.ErrUpstream), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.want), func(t *testing.T) {
			r := conversationRouter(&fakeConversations{err: tc.err})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations/c1", nil))
			assert.Equal(t, tc.want, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, float64(tc.want), body["code"])
			if tc.want == http.StatusInternalServerError {
				assert.NotContains(t, body["message"], "db down")
			}
		})
	}
}

func TestConversationHandlerCreateAndUpdate(t *testing.T) {
	r := conversationRouter(&fakeConversations{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/conversations", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/conversations/c1/mode", strings.NewReader(`{"mode":"thinking"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/conversations/c1/mode", strings.NewReader(`{not json`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
