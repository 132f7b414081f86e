package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lms_backend/internal/config"
	"lms_backend/internal/middleware"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/service"
	"lms_backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const testSecret = "controller-test-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type apiResponse struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

type server struct {
	router *gin.Engine
	store  *repository.MemoryTreeStore
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryTreeStore()
	storage := service.NewStorageServiceWithProvider(&service.LocalStorageProvider{
		Config: &config.StorageConfig{LocalPath: t.TempDir()},
	})
	catalog, err := service.LoadQuestionCatalog("")
	require.NoError(t, err)
	manager := service.NewTestTreeManager(store, storage, catalog, nil, service.DefaultTreeOptions())
	tests := NewTestController(manager, model.ModuleReading)

	cfg := &config.Config{JWT: config.JWTConfig{Secret: testSecret}}
	router := gin.New()
	group := router.Group("/api/reading-tests", middleware.AuthMiddleware(cfg))
	group.GET("", tests.ListTests)
	group.GET("/:id", tests.GetTest)

	authoring := group.Group("", middleware.RoleMiddleware(model.Teacher))
	authoring.POST("", tests.CreateTest)
	authoring.PUT("/:id", tests.UpdateTest)
	authoring.DELETE("/:id", tests.DeleteTest)
	authoring.GET("/:id/export", tests.ExportTest)
	authoring.DELETE("/passages/:passageId", tests.DeletePassage)
	authoring.DELETE("/questions/:questionId", tests.DeleteQuestion)

	return &server{router: router, store: store}
}

func token(t *testing.T, userID string, role model.UserRole) string {
	t.Helper()
	user := &model.User{Role: role, Email: userID + "@example.com"}
	user.ID = userID
	tok, err := util.GenerateJWT(user, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body []byte, contentType string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (s *server) createTest(t *testing.T, tok, body string) string {
	t.Helper()
	w, resp := s.do(t, http.MethodPost, "/api/reading-tests", tok, []byte(body), "application/json")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var data struct {
		TestID string `json:"test_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.NotEmpty(t, data.TestID)
	return data.TestID
}

func (s *server) getTest(t *testing.T, tok, testID string) service.TestView {
	t.Helper()
	w, resp := s.do(t, http.MethodGet, "/api/reading-tests/"+testID, tok, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view service.TestView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	return view
}

const testBody = `{
  "type": "reading",
  "difficulty": "beginner",
  "title": "Sample reading",
  "passages": [{
    "title": "Tides",
    "question_groups": [
      {"instruction": "Choose", "questions": [
        {"question_type": "Multiple Choice", "question_number": 1, "question_text": "Why?",
         "correct_answers": ["A"], "points_value": 1,
         "options": [{"option_key": "A", "option_text": "Moon"}, {"option_key": "B", "option_text": "Sun"}],
         "breakdown": {"explanation": "Line 3", "has_highlight": false}}
      ]},
      {"instruction": "Short answer", "questions": [
        {"question_type": "Short Answer", "question_number": 2, "question_text": "When?", "correct_answers": ["Daily"]}
      ]}
    ]
  }]
}`

func TestCreateAndGetTest(t *testing.T) {
	s := newServer(t)
	teacherToken := token(t, "teacher-1", model.Teacher)
	testID := s.createTest(t, teacherToken, testBody)

	view := s.getTest(t, teacherToken, testID)
	assert.Equal(t, "Sample reading", view.Title)
	require.Len(t, view.Passages, 1)
	require.Len(t, view.Passages[0].QuestionGroups, 2)
	q := view.Passages[0].QuestionGroups[0].Questions[0]
	assert.True(t, q.CorrectAnswers.Set)
	assert.True(t, q.Breakdown.Set)

	w, _ := s.do(t, http.MethodGet, "/api/reading-tests/"+testID, token(t, "student-1", model.Student), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "correct_answers")
	assert.NotContains(t, w.Body.String(), "breakdown")

	w, resp := s.do(t, http.MethodGet, "/api/reading-tests", teacherToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []service.TestView
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 1)
}

func TestGetTestHidesOtherTeachersTests(t *testing.T) {
	s := newServer(t)
	testID := s.createTest(t, token(t, "teacher-1", model.Teacher), testBody)

	w, resp := s.do(t, http.MethodGet, "/api/reading-tests/"+testID, token(t, "teacher-2", model.Teacher), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Test not found or unauthorized access", resp.Message)

	w, _ = s.do(t, http.MethodGet, "/api/reading-tests/missing", token(t, "admin-1", model.Admin), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestsRequireAuthentication(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, http.MethodGet, "/api/reading-tests", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/reading-tests", "not-a-jwt", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/reading-tests", token(t, "student-1", model.Student), []byte(testBody), "application/json")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, s.store.Counts()["tests"])
}

func TestCreateTestReportsFieldErrors(t *testing.T) {
	s := newServer(t)
	body := `{
	  "type": "reading", "difficulty": "beginner",
	  "passages": [{"question_groups": []}]
	}`

	w, resp := s.do(t, http.MethodPost, "/api/reading-tests", token(t, "teacher-1", model.Teacher), []byte(body), "application/json")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "is required", resp.Errors["title"])
	assert.Contains(t, resp.Errors, "passages[0].question_groups")
	assert.Zero(t, s.store.Counts()["tests"])
}

func TestCreateTestRejectsOtherModules(t *testing.T) {
	s := newServer(t)
	body := strings.Replace(testBody, `"type": "reading"`, `"type": "listening"`, 1)

	w, resp := s.do(t, http.MethodPost, "/api/reading-tests", token(t, "teacher-1", model.Teacher), []byte(body), "application/json")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "must be reading", resp.Errors["type"])
}

func TestCreateTestMalformedJSON(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/reading-tests", token(t, "teacher-1", model.Teacher), []byte(`{"title":`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTestMultipartWithImages(t *testing.T) {
	s := newServer(t)
	teacherToken := token(t, "teacher-1", model.Teacher)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("payload", testBody))
	for _, name := range []string{"a.png", "b.png"} {
		part, err := mw.CreateFormFile(service.ImageKey(0, 0, 0)+"[]", name)
		require.NoError(t, err)
		_, err = part.Write(pngHeader)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	w, resp := s.do(t, http.MethodPost, "/api/reading-tests", teacherToken, buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var data struct {
		TestID string `json:"test_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))

	q := s.getTest(t, teacherToken, data.TestID).Passages[0].QuestionGroups[0].Questions[0]
	assert.Len(t, model.ImagePathsOf(q.QuestionData), 2)
}

func TestCreateTestMultipartRequiresPayload(t *testing.T) {
	s := newServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "no payload"))
	require.NoError(t, mw.Close())

	w, resp := s.do(t, http.MethodPost, "/api/reading-tests", token(t, "teacher-1", model.Teacher), buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "is required", resp.Errors["payload"])
}

func TestUpdateTest(t *testing.T) {
	s := newServer(t)
	teacherToken := token(t, "teacher-1", model.Teacher)
	testID := s.createTest(t, teacherToken, testBody)

	// 只保留第一个题组
	view := s.getTest(t, teacherToken, testID)
	group := view.Passages[0].QuestionGroups[0]
	body, err := json.Marshal(map[string]interface{}{
		"type":       "reading",
		"difficulty": "advanced",
		"title":      "Renamed",
		"passages": []interface{}{map[string]interface{}{
			"id":    view.Passages[0].PassageID,
			"title": "Tides",
			"question_groups": []interface{}{map[string]interface{}{
				"id":          group.GroupID,
				"instruction": "Choose",
				"questions": []interface{}{map[string]interface{}{
					"id":              group.Questions[0].QuestionID,
					"question_type":   "Multiple Choice",
					"question_number": 1,
					"question_text":   "Why?",
				}},
			}},
		}},
	})
	require.NoError(t, err)

	w, _ := s.do(t, http.MethodPut, "/api/reading-tests/"+testID, token(t, "teacher-2", model.Teacher), body, "application/json")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := s.do(t, http.MethodPut, "/api/reading-tests/"+testID, teacherToken, body, "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Test updated successfully", resp.Message)

	updated := s.getTest(t, teacherToken, testID)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "advanced", updated.Difficulty)
	require.Len(t, updated.Passages[0].QuestionGroups, 1)
	assert.Equal(t, group.Questions[0].QuestionID, updated.Passages[0].QuestionGroups[0].Questions[0].QuestionID)

	w, _ = s.do(t, http.MethodPut, "/api/reading-tests/missing", teacherToken, body, "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteEndpoints(t *testing.T) {
	s := newServer(t)
	teacherToken := token(t, "teacher-1", model.Teacher)
	testID := s.createTest(t, teacherToken, testBody)
	view := s.getTest(t, teacherToken, testID)

	questionID := view.Passages[0].QuestionGroups[1].Questions[0].QuestionID
	w, resp := s.do(t, http.MethodDelete, "/api/reading-tests/questions/"+questionID, teacherToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Question and its empty question group deleted successfully", resp.Message)
	assert.JSONEq(t, `{"question_group_deleted": true}`, string(resp.Data))

	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/questions/"+questionID, teacherToken, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	passageID := view.Passages[0].PassageID
	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/passages/"+passageID, token(t, "teacher-2", model.Teacher), nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = s.do(t, http.MethodDelete, "/api/reading-tests/passages/"+passageID, teacherToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Passage and its contents deleted successfully", resp.Message)

	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/"+testID, teacherToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, s.store.Counts()["tests"])

	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/"+testID, teacherToken, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportTest(t *testing.T) {
	s := newServer(t)
	teacherToken := token(t, "teacher-1", model.Teacher)
	testID := s.createTest(t, teacherToken, testBody)

	w, _ := s.do(t, http.MethodGet, "/api/reading-tests/"+testID+"/export", teacherToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, util.MimeXLSX, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), testID)

	file, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer file.Close()
	rows, err := file.GetRows("Questions")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	w, _ = s.do(t, http.MethodGet, "/api/reading-tests/"+testID+"/export", token(t, "student-1", model.Student), nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMutationsIgnoreTestsOfOtherModules(t *testing.T) {
	s := newServer(t)
	teacherToken := token(t, "teacher-1", model.Teacher)
	ctx := context.Background()

	listening := &model.Test{CreatorID: "teacher-1", Type: model.ModuleListening, Title: "Lecture", IsPublished: true}
	require.NoError(t, s.store.CreateTest(ctx, listening))
	passage := &model.Passage{TestID: listening.ID}
	require.NoError(t, s.store.CreatePassage(ctx, passage))
	group := &model.QuestionGroup{PassageID: passage.ID}
	require.NoError(t, s.store.CreateGroup(ctx, group))
	question := &model.TestQuestion{QuestionGroupID: group.ID, QuestionType: "Short Answer"}
	require.NoError(t, s.store.CreateQuestion(ctx, question))
	counts := s.store.Counts()

	w, resp := s.do(t, http.MethodPut, "/api/reading-tests/"+listening.ID, teacherToken, []byte(testBody), "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Test not found", resp.Message)

	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/questions/"+question.ID, teacherToken, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/passages/"+passage.ID, teacherToken, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/reading-tests/"+listening.ID, teacherToken, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, counts, s.store.Counts())
	stored, err := s.store.FindTest(ctx, listening.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lecture", stored.Title)
}
