package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"

	StoragePublicPrefix = "/storage/"
)

// 文件上传相关常量
const (
	MimeImage = "image/"
	MimeXLSX  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const (
	QuestionImageFolder = "question_images"
)
