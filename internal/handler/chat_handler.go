package handler

import (
	"better-dev-go/internal/middleware"
	"better-dev-go/internal/service"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/token"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// clientFrame 是客户端发来的一帧。type 为 "stop" 时取消当前轮次，否则视为一轮新的对话。
type clientFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversationId"`
	Messages       []service.TurnMessage `json:"messages"`
	Mode           *string               `json:"mode"`
}

// Handle 处理一个传入的 WebSocket 连接。
// 同一连接上同时只运行一轮对话；连接关闭或收到 stop 都会取消正在进行的轮次。
func (h *ChatHandler) Handle(c *gin.Context) {
	user, _, ok := middleware.Authenticate(c, h.jwtManager, h.userService, c.Param("token"))
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，用户: %s", user.Username)

	s := &chatSession{conn: conn, userID: user.ID, chat: h.chatService}
	s.run(c.Request.Context())
}

type chatSession struct {
	conn   *websocket.Conn
	userID uint
	chat   service.ChatService

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *chatSession) run(parent context.Context) {
	ctx, cancelAll := context.WithCancel(parent)
	defer func() {
		cancelAll()
		s.wg.Wait()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(http.StatusBadRequest, "无法解析的消息")
			continue
		}
		if frame.Type == "stop" {
			if s.stopTurn() {
				log.Info("收到停止指令，正在中断流式响应...")
			}
			continue
		}
		s.startTurn(ctx, frame)
	}
}

func (s *chatSession) startTurn(ctx context.Context, frame clientFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.sendError(http.StatusConflict, "上一轮回复尚未结束")
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	req := service.TurnRequest{
		ConversationID: frame.ConversationID,
		CallerID:       s.userID,
		Messages:       frame.Messages,
		Mode:           frame.Mode,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishTurn()
		if err := s.chat.HandleTurn(turnCtx, req, &wsSink{session: s}); err != nil {
			log.Warnf("[ChatHandler] 本轮对话失败, conversationId=%s: %v", req.ConversationID, err)
		}
	}()
}

func (s *chatSession) stopTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *chatSession) finishTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *chatSession) send(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *chatSession) sendError(code int, message string) {
	if err := s.send(gin.H{"type": "error", "code": code, "message": message}); err != nil {
		log.Warnf("[ChatHandler] 发送错误事件失败: %v", err)
	}
}

// wsSink 把一轮对话的输出写成 chunk / completion / error 事件。
type wsSink struct {
	session *chatSession
}

func (w *wsSink) OnChunk(text string) error {
	if text == "" {
		return nil
	}
	return w.session.send(gin.H{"type": "chunk", "chunk": text})
}

func (w *wsSink) OnComplete(result *service.TurnResult) {
	status := "finished"
	if result.Metadata.Cancelled {
		status = "cancelled"
	}
	err := w.session.send(gin.H{
		"type":      "completion",
		"status":    status,
		"messageId": result.MessageID,
		"metadata":  result.Metadata,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Warnf("[ChatHandler] 发送完成事件失败: %v", err)
	}
}

func (w *wsSink) OnError(err error) {
	status := statusOf(err)
	w.session.sendError(status, publicMessage(err, status))
}
