package ephemeral

import (
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {
	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	en_translations.RegisterDefaultTranslations(validate, enTrans)

	// lowercase first letter of the field
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.ToLower(field.Name)
	})

	validate.RegisterTranslation("required", enTrans, func(ut ut.Translator) error {
		return ut.Add("required", "{0} is a required field", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("required", fe.Field())
		return t
	})

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		if !ok {
			return false
		}
		return port > 0 && port <= 65535
	})

	validate.RegisterTranslation("port", enTrans, func(ut ut.Translator) error {
		return ut.Add("port", "{0} must be a valid port number", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("port", fe.Field())
		return t
	})

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(Config)
		if c.Store.Driver == DriverPostgres && c.Postgres.URL == "" {
			sl.ReportError(c.Postgres.URL, "url", "URL", "postgresurl", "")
		}
		if c.Mode == ProdMode && slices.Contains(c.AllowedOrigins, "*") {
			sl.ReportError(c.AllowedOrigins, "allowedorigins", "AllowedOrigins", "nowildcard", "")
		}
	}, Config{})

	validate.RegisterTranslation("postgresurl", enTrans, func(ut ut.Translator) error {
		return ut.Add("postgresurl", "postgres.url is required when store.driver is postgres", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("postgresurl")
		return t
	})

	validate.RegisterTranslation("nowildcard", enTrans, func(ut ut.Translator) error {
		return ut.Add("nowildcard", "allowedorigins must list explicit origins in prod mode", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("nowildcard")
		return t
	})
}
