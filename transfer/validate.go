package transfer

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()
	translator, _ = ut.New(en.New(), en.New()).GetTranslator("en")
	err := en_translations.RegisterDefaultTranslations(validate, translator)
	if err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})
}

// settings is the assembled per-transfer configuration checked before
// the engine is built. A violation surfaces as a usage error.
type settings struct {
	URL         string `json:"url"         validate:"required,url"`
	Method      string `json:"method"      validate:"omitempty,alpha,uppercase"`
	RangeSpec   string `json:"range"       validate:"omitempty,max=64"`
	ReceiveRate int    `json:"receiveRate" validate:"min=0"`
	UploadSize  int64  `json:"uploadSize"  validate:"min=-1"`
}

// checkSettings validates val against its declared tags.
func checkSettings(val any) error {
	if err := validate.Struct(val); err != nil {
		verrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		var fields FieldErrors
		for _, verror := range verrors {
			fields = append(fields, FieldError{
				Field: verror.Field(),
				Err:   verror.Translate(translator),
			})
		}
		return fields
	}

	return nil
}

// FieldError reports a single invalid construction argument.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface.
func (fe FieldErrors) Error() string {
	d, err := json.Marshal(fe)
	if err != nil {
		return err.Error()
	}
	return string(d)
}
