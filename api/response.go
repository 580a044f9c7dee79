package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/model"
)

// Response 统一返回结构，code和HTTP状态码一致
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Code: status, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, message string, data any) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: message, Data: data})
}

// bindError 请求参数绑定失败
type bindError struct {
	err error
}

func (e *bindError) Error() string { return e.err.Error() }
func (e *bindError) Unwrap() error { return e.err }

var registerTagName sync.Once

// useJSONFieldNames 校验错误里的字段名使用json/form标签
func useJSONFieldNames() {
	registerTagName.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"json", "form", "uri"} {
				name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
				if name == "-" {
					return ""
				}
				if name != "" {
					return name
				}
			}
			return ""
		})
	})
}

// fieldErrors 字段到失败规则，嵌套字段去掉最外层的结构体名
func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		name := fe.Namespace()
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[name] = rule
	}
	return out
}

// statusOf 业务错误到HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientStock), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ErrorHandler 全局错误处理，handler通过c.Error上报错误
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var be *bindError
		if errors.As(err, &be) {
			var verrs validator.ValidationErrors
			if errors.As(be.err, &verrs) {
				fail(c, http.StatusBadRequest, "validation failed", fieldErrors(verrs))
				return
			}
			fail(c, http.StatusBadRequest, "malformed request: "+be.err.Error(), nil)
			return
		}

		status := statusOf(err)
		if status == http.StatusInternalServerError {
			logrus.WithError(err).WithFields(logrus.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
			}).Error("request failed")
			fail(c, status, "internal server error", nil)
			return
		}
		fail(c, status, err.Error(), nil)
	}
}
