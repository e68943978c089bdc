package handler

import (
	"better-dev-go/internal/service"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与会话管理相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// Create 创建会话，请求体可为空。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req service.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "无效的请求负载")
		return
	}
	conv, err := h.service.Create(c.Request.Context(), currentUser(c).ID, req)
	if err != nil {
		respondError(c, "CreateConversation", err)
		return
	}
	respondOK(c, http.StatusCreated, "success", conv)
}

// List 列出当前用户的会话，最近更新的在前。
func (h *ConversationHandler) List(c *gin.Context) {
	convs, err := h.service.List(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, "ListConversations", err)
		return
	}
	respondOK(c, http.StatusOK, "success", convs)
}

// Get 返回会话及其消息。
func (h *ConversationHandler) Get(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, "GetConversation", err)
		return
	}
	respondOK(c, http.StatusOK, "success", detail)
}

// UpdateModeRequest 是更新会话模式偏好的请求体，mode 为 null 表示清除。
type UpdateModeRequest struct {
	Mode *string `json:"mode"`
}

// UpdateMode 更新会话的模式偏好。
func (h *ConversationHandler) UpdateMode(c *gin.Context) {
	var req UpdateModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	if err := h.service.UpdateMode(c.Request.Context(), currentUser(c).ID, c.Param("id"), req.Mode); err != nil {
		respondError(c, "UpdateConversationMode", err)
		return
	}
	respondOK(c, http.StatusOK, "模式已更新", nil)
}

// UpdateSystemPromptRequest 是更新自定义系统提示词的请求体。
type UpdateSystemPromptRequest struct {
	SystemPrompt *string `json:"systemPrompt"`
}

// UpdateSystemPrompt 更新会话的自定义系统提示词。
func (h *ConversationHandler) UpdateSystemPrompt(c *gin.Context) {
	var req UpdateSystemPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	if err := h.service.UpdateSystemPrompt(c.Request.Context(), currentUser(c).ID, c.Param("id"), req.SystemPrompt); err != nil {
		respondError(c, "UpdateSystemPrompt", err)
		return
	}
	respondOK(c, http.StatusOK, "系统提示词已更新", nil)
}

// Delete 删除会话及其消息和附件。
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), currentUser(c).ID, c.Param("id")); err != nil {
		respondError(c, "DeleteConversation", err)
		return
	}
	respondOK(c, http.StatusOK, "会话已删除", nil)
}
