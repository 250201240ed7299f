package handler

import (
	stderrors "errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validatorOnce sync.Once
	translator    ut.Translator
)

// setupValidator 让 gin 的校验错误使用 JSON 字段名，并注册英文错误说明。
// 必须在第一次绑定之前调用，validator 会缓存结构体的字段信息。
func setupValidator() {
	validatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})

		locale := en.New()
		trans, _ := ut.New(locale, locale).GetTranslator("en")
		if err := entranslations.RegisterDefaultTranslations(v, trans); err == nil {
			translator = trans
		}
	})
}

// bindingMessage 将绑定错误转换为按字段列出的说明。
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return "invalid request body: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if translator != nil {
			msgs = append(msgs, fe.Translate(translator))
			continue
		}
		msgs = append(msgs, fe.Error())
	}
	return strings.Join(msgs, "; ")
}
