package domain

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var cpfPattern = regexp.MustCompile(`^\d{11}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("cpf", func(fl validator.FieldLevel) bool {
		return cpfPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validator exposes the shared instance so request types can reuse the
// custom tags registered here.
func Validator() *validator.Validate { return validate }

// ValidateStruct runs tag validation on s and converts failures into a
// *ValidationError with user-facing messages.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := NewValidationError()
	for _, fe := range fieldErrs {
		out.Add(fe.Field(), Message(fe.Field(), fe.Tag(), fe.Param()))
	}
	return out
}

var fieldMessages = map[string]string{
	"name.required":     "O nome é obrigatório.",
	"email.required":    "O email é obrigatório.",
	"email.email":       "Digite um email válido.",
	"email.unique":      "Este email já foi cadastrado.",
	"cpf.required":      "O CPF é obrigatório.",
	"cpf.cpf":           "O CPF deve ter 11 dígitos numéricos.",
	"cpf.unique":        "Este CPF já foi cadastrado.",
	"cpf.leading_zeros": "Se o CPF foi digitado como número na planilha, os zeros à esquerda se perderam; formate a coluna como texto.",
	"city.required":     "A cidade é obrigatória.",
	"state.required":    "O estado é obrigatório.",
	"state.len":         "O estado deve ter 2 letras.",
	"state.alpha":       "O estado deve ter 2 letras.",
	"password.required": "A senha é obrigatória.",
	"file.required":     "O arquivo é obrigatório.",
	"file.mimes":        "O arquivo deve ser do tipo: csv, xlsx, xls.",
}

// Message returns the message for a failed rule on field.
func Message(field, tag, param string) string {
	if msg, ok := fieldMessages[field+"."+tag]; ok {
		return msg
	}
	switch tag {
	case "required":
		return "O campo " + field + " é obrigatório."
	case "max":
		return "O campo " + field + " não pode ter mais de " + param + " caracteres."
	case "min":
		return "O campo " + field + " deve ter pelo menos " + param + " caracteres."
	case "email":
		return "O campo " + field + " deve ser um email válido."
	default:
		return "O campo " + field + " é inválido."
	}
}
