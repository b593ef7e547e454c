package apigateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/agentflow/chatgateway/agentgateway"
)

// InvalidModelMessage 模型不在白名单时返回的错误信息
const InvalidModelMessage = "Invalid model name. Kindly select a valid AI model"

// allowedModelNames 支持的模型
var allowedModelNames = map[string]struct{}{
	"llama3-70b-8192":               {},
	"deepseek-r1-distill-llama-70b": {},
	"llama-3.3-70b-versatile":       {},
	"gpt-4o-mini":                   {},
	"gpt-4.1":                       {},
}

// IsAllowedModel 判断模型是否在白名单内
func IsAllowedModel(name string) bool {
	_, ok := allowedModelNames[name]
	return ok
}

func init() {
	// 校验错误里使用 json 字段名
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
	}
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return fld.Name
	}
	return name
}

// ============================================================================
// 请求与响应
// ============================================================================

// ChatRequest 已通过结构校验的聊天请求
type ChatRequest struct {
	ModelName     string
	ModelProvider string
	SystemPrompt  string
	Messages      []string
	AllowSearch   bool
}

// chatPayload 请求体的绑定形式。指针字段区分缺失/null 与零值
type chatPayload struct {
	ModelName     *string   `json:"model_name" binding:"required"`
	ModelProvider *string   `json:"model_provider" binding:"required"`
	SystemPrompt  *string   `json:"system_prompt" binding:"required"`
	Messages      []*string `json:"messages" binding:"required,dive,required"`
	AllowSearch   *bool     `json:"allow_search" binding:"required"`
}

func (p *chatPayload) request() ChatRequest {
	messages := make([]string, len(p.Messages))
	for i, m := range p.Messages {
		messages[i] = *m
	}
	return ChatRequest{
		ModelName:     *p.ModelName,
		ModelProvider: *p.ModelProvider,
		SystemPrompt:  *p.SystemPrompt,
		Messages:      messages,
		AllowSearch:   *p.AllowSearch,
	}
}

// ErrorResponse 业务错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationDetail 单个字段的校验错误
type ValidationDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// ValidationErrorResponse 结构校验失败响应
type ValidationErrorResponse struct {
	Detail []ValidationDetail `json:"detail"`
}

// ============================================================================
// 聊天分发
// ============================================================================

// Chat 校验模型白名单并调用 Agent，Agent 的结果原样返回
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (any, error) {
	if !IsAllowedModel(req.ModelName) {
		return ErrorResponse{Error: InvalidModelMessage}, nil
	}
	return g.agent.Respond(ctx, req.ModelName, req.Messages, req.AllowSearch, req.SystemPrompt, req.ModelProvider)
}

// handleChat 处理聊天请求
func (g *Gateway) handleChat(c *gin.Context) {
	var payload chatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		g.monitor.RecordRejection(agentgateway.RejectSchema)
		c.JSON(http.StatusUnprocessableEntity, ValidationErrorResponse{Detail: validationDetails(err)})
		return
	}

	req := payload.request()
	g.recordModelRejection(req)

	resp, err := g.Chat(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agentgateway.ErrPoolExhausted) {
			g.monitor.RecordRejection(agentgateway.RejectPool)
			status = http.StatusServiceUnavailable
		}
		_ = c.AbortWithError(status, err)
		return
	}

	// Agent 返回的 JSON 原样写出
	if raw, ok := resp.(json.RawMessage); ok && len(raw) > 0 {
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) recordModelRejection(req ChatRequest) {
	if !IsAllowedModel(req.ModelName) {
		g.monitor.RecordRejection(agentgateway.RejectModel)
	}
}

// validationDetails 把绑定错误转换成逐字段的错误描述
func validationDetails(err error) []ValidationDetail {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]ValidationDetail, 0, len(verrs))
		for _, fe := range verrs {
			d := ValidationDetail{
				Loc:  []string{"body", fe.Field()},
				Msg:  fe.Error(),
				Type: fe.Tag(),
			}
			if fe.Tag() == "required" {
				d.Msg = "Field required"
				d.Type = "missing"
			}
			details = append(details, d)
		}
		return details
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		loc := []string{"body"}
		if typeErr.Field != "" {
			loc = append(loc, typeErr.Field)
		}
		return []ValidationDetail{{
			Loc:  loc,
			Msg:  fmt.Sprintf("Input should be a valid %s", jsonTypeName(typeErr.Type)),
			Type: "type_error",
		}}
	}

	msg := "JSON decode error"
	if !errors.Is(err, io.EOF) {
		msg = fmt.Sprintf("JSON decode error: %v", err)
	}
	return []ValidationDetail{{
		Loc:  []string{"body"},
		Msg:  msg,
		Type: "json_invalid",
	}}
}

func jsonTypeName(t reflect.Type) string {
	if t == nil {
		return "value"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Struct, reflect.Map:
		return "object"
	}
	return t.Kind().String()
}
