package handler

import (
	"better-dev-go/internal/service"
	"better-dev-go/pkg/log"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AttachmentHandler 负责处理附件上传、查询和删除。
type AttachmentHandler struct {
	service     service.AttachmentService
	maxFileSize int64
}

// NewAttachmentHandler 创建一个新的 AttachmentHandler。
func NewAttachmentHandler(service service.AttachmentService, maxFileSize int64) *AttachmentHandler {
	return &AttachmentHandler{service: service, maxFileSize: maxFileSize}
}

// Upload 接收 multipart 字段 file，保存后立即返回 202，抽取在后台进行。
func (h *AttachmentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "缺少文件字段 file")
		return
	}
	if h.maxFileSize > 0 && fileHeader.Size > h.maxFileSize {
		badRequest(c, "文件大小超过上限")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("[AttachmentHandler] 打开上传文件失败: %v", err)
		badRequest(c, "无法读取上传文件")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Errorf("[AttachmentHandler] 读取上传文件失败: %v", err)
		badRequest(c, "无法读取上传文件")
		return
	}

	att, err := h.service.Upload(c.Request.Context(), currentUser(c).ID, service.UploadRequest{
		ConversationID: c.Param("id"),
		FileName:       fileHeader.Filename,
		MimeType:       fileHeader.Header.Get("Content-Type"),
		Data:           data,
	})
	if err != nil {
		respondError(c, "UploadAttachment", err)
		return
	}
	respondOK(c, http.StatusAccepted, "附件已接收，正在后台处理", gin.H{
		"id":     att.ID,
		"status": att.Status,
	})
}

// Get 返回附件记录，调用方据此轮询抽取状态。
func (h *AttachmentHandler) Get(c *gin.Context) {
	att, err := h.service.Get(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		respondError(c, "GetAttachment", err)
		return
	}
	respondOK(c, http.StatusOK, "success", att)
}

// Delete 删除附件及其存储对象。
func (h *AttachmentHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), currentUser(c).ID, c.Param("id")); err != nil {
		respondError(c, "DeleteAttachment", err)
		return
	}
	respondOK(c, http.StatusOK, "附件已删除", nil)
}
