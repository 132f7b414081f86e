package service

import "lms_backend/internal/model"

// Identity 已认证的调用者，由控制器从 JWT 中解析后显式传入
type Identity struct {
	UserID string
	Role   model.UserRole
}

func (i Identity) IsAdmin() bool {
	return i.Role == model.Admin
}

func (i Identity) IsStudent() bool {
	return i.Role == model.Student
}

// CanAuthor 只有教师和管理员可以创建试卷
func (i Identity) CanAuthor() bool {
	return i.Role == model.Teacher || i.Role == model.Admin
}

// CanModify 创建者或管理员
func (i Identity) CanModify(test *model.Test) bool {
	return i.IsAdmin() || (i.UserID != "" && test.CreatorID == i.UserID)
}

// CanView 管理员可见全部，学生只可见已发布，其他角色只可见自己创建的
func (i Identity) CanView(test *model.Test) bool {
	switch {
	case i.IsAdmin():
		return true
	case i.IsStudent():
		return test.IsPublished
	default:
		return i.UserID != "" && test.CreatorID == i.UserID
	}
}

// audience 渲染缓存按可见范围区分
func (i Identity) audience() string {
	if i.IsStudent() {
		return "student"
	}
	return "staff"
}
