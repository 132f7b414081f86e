package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"lms_backend/internal/model"
	"lms_backend/internal/service"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// TestController 某一模块（reading / listening ...）试卷的 HTTP 接口
type TestController struct {
	Manager *service.TestTreeManager
	Module  model.TestModule
}

func NewTestController(manager *service.TestTreeManager, module model.TestModule) *TestController {
	registerJSONFieldNames()
	return &TestController{Manager: manager, Module: module}
}

var fieldNamesOnce sync.Once

// registerJSONFieldNames 校验错误使用 json 字段名，例如 passages[0].title
func registerJSONFieldNames() {
	fieldNamesOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
}

func identityOf(ctx *gin.Context) (service.Identity, bool) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		return service.Identity{}, false
	}
	return service.Identity{UserID: user.UserID, Role: user.Role}, true
}

// fileKeySuffix 文件字段允许带 [] 或 [n] 后缀
var fileKeySuffix = regexp.MustCompile(`\[\d*\]$`)

// bindPayload 解析 JSON 或 multipart 请求；返回 false 时已写出响应
func (c *TestController) bindPayload(ctx *gin.Context) (*service.TestPayload, service.FileSet, bool) {
	var p service.TestPayload
	files := service.FileSet{}

	if strings.HasPrefix(ctx.ContentType(), binding.MIMEMultipartPOSTForm) {
		form, err := ctx.MultipartForm()
		if err != nil {
			util.BadRequest(ctx, "Invalid multipart form: "+err.Error())
			return nil, nil, false
		}
		raw := form.Value["payload"]
		if len(raw) == 0 || strings.TrimSpace(raw[0]) == "" {
			util.Unprocessable(ctx, map[string]string{"payload": "is required"})
			return nil, nil, false
		}
		if err := json.Unmarshal([]byte(raw[0]), &p); err != nil {
			util.BadRequest(ctx, "Invalid payload: "+err.Error())
			return nil, nil, false
		}
		if err := binding.Validator.ValidateStruct(&p); err != nil {
			c.respondBindError(ctx, err)
			return nil, nil, false
		}
		for key, headers := range form.File {
			key = fileKeySuffix.ReplaceAllString(key, "")
			for _, h := range headers {
				files[key] = append(files[key], service.NewMultipartFile(h))
			}
		}
	} else if err := ctx.ShouldBindJSON(&p); err != nil {
		c.respondBindError(ctx, err)
		return nil, nil, false
	}

	if p.Type != c.Module {
		util.Unprocessable(ctx, map[string]string{"type": fmt.Sprintf("must be %s", c.Module)})
		return nil, nil, false
	}
	return &p, files, true
}

func (c *TestController) respondBindError(ctx *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		util.BadRequest(ctx, "Invalid request body: "+err.Error())
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if _, exists := fields[field]; !exists {
			fields[field] = fieldMessage(fe)
		}
	}
	util.Unprocessable(ctx, fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gtefield":
		return "must not be less than start_char_index"
	}
	return "is invalid"
}

// respondError 统一错误映射；notFound 为资源不存在时的提示
func (c *TestController) respondError(ctx *gin.Context, err error, notFound, forbidden, failure string) {
	var verr *util.ValidationError
	switch {
	case errors.As(err, &verr):
		util.Unprocessable(ctx, verr.Fields)
	case errors.Is(err, util.ErrTestNotFound),
		errors.Is(err, util.ErrPassageNotFound),
		errors.Is(err, util.ErrGroupNotFound),
		errors.Is(err, util.ErrQuestionNotFound):
		util.NotFound(ctx, notFound)
	case errors.Is(err, util.ErrPermissionDenied):
		util.Forbidden(ctx, forbidden)
	case errors.Is(err, util.ErrInvalidFileType), errors.Is(err, util.ErrFileTooLarge):
		util.Unprocessable(ctx, map[string]string{"images": err.Error()})
	case errors.Is(err, util.ErrNodeOutOfScope):
		util.Unprocessable(ctx, map[string]string{"id": err.Error()})
	default:
		logger.Ctx(ctx.Request.Context()).Error(failure, zap.String("path", ctx.FullPath()), zap.Error(err))
		util.InternalServerError(ctx, failure, err)
	}
}

// @Summary 获取试卷列表
// @Tags 试卷模块
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]service.TestView}
// @Router /reading-tests [get]
func (c *TestController) ListTests(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	tests, err := c.Manager.ListTests(ctx.Request.Context(), id, service.TestQuery{Type: c.Module})
	if err != nil {
		c.respondError(ctx, err, "", "", "Failed to list tests")
		return
	}
	util.Success(ctx, tests)
}

// @Summary 获取试卷详情
// @Description 学生视图不包含正确答案和解析
// @Tags 试卷模块
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "试卷ID"
// @Success 200 {object} util.Response{data=service.TestView}
// @Failure 404 {object} util.Response
// @Router /reading-tests/{id} [get]
func (c *TestController) GetTest(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	test, err := c.Manager.GetTest(ctx.Request.Context(), id, ctx.Param("id"), c.Module)
	if err != nil {
		c.respondError(ctx, err, "Test not found or unauthorized access", "", "Failed to retrieve test")
		return
	}
	util.Success(ctx, test)
}

// @Summary 创建试卷
// @Description 支持 application/json，或 multipart/form-data（payload 字段为 JSON，图片字段名为题目图片路径）
// @Tags 试卷模块
// @Accept json,mpfd
// @Produce json
// @Security ApiKeyAuth
// @Param body body service.TestPayload true "试卷内容"
// @Success 201 {object} util.Response
// @Failure 422 {object} util.Response
// @Router /reading-tests [post]
func (c *TestController) CreateTest(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	p, files, ok := c.bindPayload(ctx)
	if !ok {
		return
	}

	testID, err := c.Manager.CreateTest(ctx.Request.Context(), id, p, files)
	if err != nil {
		c.respondError(ctx, err, "", "Unauthorized to create tests", "Failed to create test")
		return
	}
	util.Created(ctx, "Test created successfully", gin.H{"test_id": testID})
}

// @Summary 更新试卷
// @Description 请求中未出现的段落、题组、题目会被删除
// @Tags 试卷模块
// @Accept json,mpfd
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "试卷ID"
// @Param body body service.TestPayload true "试卷内容"
// @Success 200 {object} util.Response
// @Failure 403 {object} util.Response
// @Failure 404 {object} util.Response
// @Failure 422 {object} util.Response
// @Router /reading-tests/{id} [put]
func (c *TestController) UpdateTest(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	p, files, ok := c.bindPayload(ctx)
	if !ok {
		return
	}

	testID := ctx.Param("id")
	if err := c.Manager.UpdateTest(ctx.Request.Context(), id, testID, c.Module, p, files); err != nil {
		c.respondError(ctx, err, "Test not found", "Unauthorized to update this test", "Failed to update test")
		return
	}
	util.SuccessWithMessage(ctx, "Test updated successfully", gin.H{"test_id": testID})
}

// @Summary 删除试卷
// @Tags 试卷模块
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "试卷ID"
// @Success 200 {object} util.Response
// @Router /reading-tests/{id} [delete]
func (c *TestController) DeleteTest(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	if err := c.Manager.DeleteTest(ctx.Request.Context(), id, ctx.Param("id"), c.Module); err != nil {
		c.respondError(ctx, err, "Test not found", "Unauthorized to delete this test", "Failed to delete test")
		return
	}
	util.SuccessWithMessage(ctx, "Test deleted successfully", nil)
}

// @Summary 删除段落及其全部题目
// @Tags 试卷模块
// @Produce json
// @Security ApiKeyAuth
// @Param passageId path string true "段落ID"
// @Success 200 {object} util.Response
// @Router /reading-tests/passages/{passageId} [delete]
func (c *TestController) DeletePassage(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	if err := c.Manager.DeletePassage(ctx.Request.Context(), id, ctx.Param("passageId"), c.Module); err != nil {
		c.respondError(ctx, err, "Passage not found", "Unauthorized to delete this passage", "Failed to delete passage")
		return
	}
	util.SuccessWithMessage(ctx, "Passage and its contents deleted successfully", nil)
}

// @Summary 删除题目
// @Description 题组为空时一并删除
// @Tags 试卷模块
// @Produce json
// @Security ApiKeyAuth
// @Param questionId path string true "题目ID"
// @Success 200 {object} util.Response
// @Router /reading-tests/questions/{questionId} [delete]
func (c *TestController) DeleteQuestion(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	groupDeleted, err := c.Manager.DeleteQuestion(ctx.Request.Context(), id, ctx.Param("questionId"), c.Module)
	if err != nil {
		c.respondError(ctx, err, "Question not found", "Unauthorized to delete this question", "Failed to delete question")
		return
	}

	message := "Question deleted successfully"
	if groupDeleted {
		message = "Question and its empty question group deleted successfully"
	}
	util.SuccessWithMessage(ctx, message, gin.H{"question_group_deleted": groupDeleted})
}

// @Summary 导出试卷为 Excel
// @Tags 试卷模块
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security ApiKeyAuth
// @Param id path string true "试卷ID"
// @Success 200 {file} file
// @Router /reading-tests/{id}/export [get]
func (c *TestController) ExportTest(ctx *gin.Context) {
	id, ok := identityOf(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	testID := ctx.Param("id")
	file, err := c.Manager.ExportTest(ctx.Request.Context(), id, testID, c.Module)
	if err != nil {
		c.respondError(ctx, err, "Test not found or unauthorized access", "Unauthorized to export this test", "Failed to export test")
		return
	}
	defer file.Close()

	ctx.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="test-%s.xlsx"`, testID))
	ctx.Header("Content-Type", util.MimeXLSX)
	ctx.Status(http.StatusOK)
	if err := file.Write(ctx.Writer); err != nil {
		logger.Ctx(ctx.Request.Context()).Error("Failed to write export", zap.String("test_id", testID), zap.Error(err))
	}
}
