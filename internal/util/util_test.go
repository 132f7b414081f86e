package util

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"lms_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	user := &model.User{Name: "Ana", Email: "ana@example.com", Role: model.Teacher}
	user.ID = "0b6c3f7e-3d59-4a55-8a44-0f0b7c1d2e3f"

	token, err := GenerateJWT(user, "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, model.Teacher, claims.Role)

	_, err = ParseJWT(token, "other-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := GenerateJWT(user, "secret", -time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidationErrorKeepsFirstMessagePerField(t *testing.T) {
	verr := NewValidationError()
	assert.NoError(t, verr.OrNil())

	verr.Add("title", "is required")
	verr.Add("title", "is too long")
	verr.Add("passages", "must contain at least 1 item")

	err := verr.OrNil()
	require.Error(t, err)
	var target *ValidationError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, "is required", target.Fields["title"])
	assert.Equal(t, "validation failed: passages: must contain at least 1 item; title: is required", err.Error())
}

func TestStripStoragePrefix(t *testing.T) {
	assert.Equal(t, "question_images/a.png", StripStoragePrefix("/storage/question_images/a.png", ""))
	assert.Equal(t, "a.png", StripStoragePrefix("a.png", ""))
	assert.Equal(t, "img/b.png", StripStoragePrefix("https://cdn.example.com/img/b.png", "https://cdn.example.com/"))
}

func TestValidateMimeType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	mime, err := ValidateMimeType(bytes.NewReader(png), []string{MimeImage})
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)

	_, err = ValidateMimeType(bytes.NewReader([]byte("plain text")), []string{MimeImage})
	assert.ErrorIs(t, err, ErrInvalidFileType)
}
