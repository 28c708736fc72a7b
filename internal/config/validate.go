package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	validateOnce sync.Once
	validate     *validator.Validate
	translator   ut.Translator
	validateErr  error
)

func validatorInstance() (*validator.Validate, ut.Translator, error) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report fields by their config key rather than the Go name.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterStructValidation(crossFieldRules, Config{})

		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		translator, _ = uni.GetTranslator("en")
		validateErr = en_translations.RegisterDefaultTranslations(validate, translator)
		if validateErr == nil {
			validateErr = validate.RegisterTranslation("required_for",
				translator,
				func(ut ut.Translator) error {
					return ut.Add("required_for", "{0} is required when {1}", true)
				},
				func(ut ut.Translator, fe validator.FieldError) string {
					t, _ := ut.T("required_for", fe.Namespace(), fe.Param())
					return t
				},
			)
		}
	})
	return validate, translator, validateErr
}

// crossFieldRules covers settings that only matter for a chosen backend.
func crossFieldRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Checkpoint.Backend == "etcd" && len(cfg.Etcd.Endpoints) == 0 {
		sl.ReportError(cfg.Etcd.Endpoints, "etcd.endpoints", "Endpoints", "required_for", "checkpoint.backend is etcd")
	}
	if cfg.Checkpoint.Backend == "file" && cfg.Checkpoint.FilePath == "" {
		sl.ReportError(cfg.Checkpoint.FilePath, "checkpoint.file_path", "FilePath", "required_for", "checkpoint.backend is file")
	}
	if cfg.Checkpoint.Backend == "postgres" && cfg.Checkpoint.Name == "" {
		sl.ReportError(cfg.Checkpoint.Name, "checkpoint.name", "Name", "required_for", "checkpoint.backend is postgres")
	}
	if cfg.Rekey.Async && cfg.Rekey.Executor == "kafka" && len(cfg.Kafka.Brokers) == 0 {
		sl.ReportError(cfg.Kafka.Brokers, "kafka.brokers", "Brokers", "required_for", "rekey.executor is kafka")
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		sl.ReportError(cfg.Telemetry.Endpoint, "telemetry.endpoint", "Endpoint", "required_for", "telemetry.enabled is true")
	}
}

// Validate checks cfg and returns a single error listing every violation.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	v, trans, err := validatorInstance()
	if err != nil {
		return fmt.Errorf("failed to initialize validator: %w", err)
	}

	err = v.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(trans))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
