package auth

import (
	"errors"
	"regexp"
	"sync"

	"github.com/acadeveia/server/internal/model"
	"github.com/go-playground/validator/v10"
)

var phoneRegex = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

type identity struct {
	PhoneNumber string `validate:"required,phone"`
	UserType    string `validate:"required,user_type"`
}

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return phoneRegex.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("user_type", func(fl validator.FieldLevel) bool {
			return model.UserType(fl.Field().String()).Valid()
		})
	})
	return validate
}

// ValidateIdentity checks the phone-number shape and the declared role
func ValidateIdentity(phone string, userType model.UserType) error {
	err := validatorInstance().Struct(identity{PhoneNumber: phone, UserType: string(userType)})
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	// phone is reported first when both are wrong
	for _, fe := range fieldErrs {
		if fe.StructField() == "PhoneNumber" {
			return ErrInvalidPhoneNumber
		}
	}
	return ErrInvalidUserType
}
